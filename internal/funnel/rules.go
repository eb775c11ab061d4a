// Package funnel maps platform action payloads onto the canonical conversion funnel.
//
// Each platform has an ordered rule table. A single pass records which actions each rule
// matched; then, per field, the matched rule with the highest precedence wins and ties go to
// the rule listed first. Only actions matched by the winning rule are summed, so a campaign
// that reports both a custom pixel event and the generic platform event for the same step is
// counted once.
package funnel

import (
	"fmt"
	"sort"
	"strings"
)

// Field is a canonical funnel counter.
type Field int

const (
	FieldClickToCall Field = iota
	FieldEmailContacts
	FieldBookingStep1
	FieldBookingStep2
	FieldBookingStep3
	FieldReservations
	numFields
)

var fieldNames = [numFields]string{
	"click_to_call",
	"email_contacts",
	"booking_step_1",
	"booking_step_2",
	"booking_step_3",
	"reservations",
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldNames[f]
}

// ParseField resolves a funnel field by its canonical name.
func ParseField(name string) (Field, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range fieldNames {
		if n == name {
			return Field(i), nil
		}
	}
	return 0, fmt.Errorf("unknown funnel field %q", name)
}

// Precedence orders competing rules for the same field.
type Precedence int

const (
	Standard Precedence = 1
	Custom   Precedence = 2
)

// Matcher reports whether a lower-cased action type matches.
type Matcher func(actionType string) bool

func Equals(v string) Matcher {
	v = strings.ToLower(v)
	return func(a string) bool { return a == v }
}

func Contains(v string) Matcher {
	v = strings.ToLower(v)
	return func(a string) bool { return strings.Contains(a, v) }
}

func Prefix(v string) Matcher {
	v = strings.ToLower(v)
	return func(a string) bool { return strings.HasPrefix(a, v) }
}

func OneOf(vs ...string) Matcher {
	set := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		set[strings.ToLower(v)] = struct{}{}
	}
	return func(a string) bool {
		_, ok := set[a]
		return ok
	}
}

// All matches when every matcher does.
func All(ms ...Matcher) Matcher {
	return func(a string) bool {
		for _, m := range ms {
			if !m(a) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one matcher does.
func Any(ms ...Matcher) Matcher {
	return func(a string) bool {
		for _, m := range ms {
			if m(a) {
				return true
			}
		}
		return false
	}
}

// Rule maps matching action types onto a funnel field.
type Rule struct {
	Name       string
	Field      Field
	Match      Matcher
	Precedence Precedence
}

// Table is an ordered rule list. Order breaks ties between rules of equal precedence.
type Table []Rule

// WithCustom returns a copy of t extended with one Custom rule per field for the tenant's
// configured conversion ids (action_type -> field name).
func (t Table) WithCustom(conversions map[string]string) (Table, error) {
	byField := make(map[Field][]string)
	for actionType, fieldName := range conversions {
		f, err := ParseField(fieldName)
		if err != nil {
			return nil, fmt.Errorf("custom conversion %q: %w", actionType, err)
		}
		byField[f] = append(byField[f], actionType)
	}

	out := make(Table, 0, len(t)+len(byField))
	for f := Field(0); f < numFields; f++ {
		ids, ok := byField[f]
		if !ok {
			continue
		}
		sort.Strings(ids)
		out = append(out, Rule{
			Name:       "tenant_custom:" + f.String(),
			Field:      f,
			Match:      OneOf(ids...),
			Precedence: Custom,
		})
	}
	return append(out, t...), nil
}

const metaCustomPixel = "offsite_conversion.fb_pixel_custom."

func metaCustom(name string, f Field, needle string) Rule {
	return Rule{Name: name, Field: f, Match: All(Prefix(metaCustomPixel), Contains(needle)), Precedence: Custom}
}

func std(name string, f Field, m Matcher) Rule {
	return Rule{Name: name, Field: f, Match: m, Precedence: Standard}
}

// MetaRules is the Graph API action table. Meta reports the same conversion under several
// aliases (omni_*, pixel, bare), so each alias family is listed most-inclusive first.
var MetaRules = Table{
	metaCustom("pixel_custom_booking_step_1", FieldBookingStep1, "booking_step_1"),
	metaCustom("pixel_custom_booking_step_2", FieldBookingStep2, "booking_step_2"),
	metaCustom("pixel_custom_booking_step_3", FieldBookingStep3, "booking_step_3"),
	metaCustom("pixel_custom_reservation", FieldReservations, "reservation"),
	metaCustom("pixel_custom_email", FieldEmailContacts, "email"),

	std("click_to_call_placed", FieldClickToCall, Equals("click_to_call_native_call_placed")),
	std("click_to_call", FieldClickToCall, Contains("click_to_call")),

	std("contact_total", FieldEmailContacts, Equals("contact_total")),
	std("pixel_contact", FieldEmailContacts, Equals("offsite_conversion.fb_pixel_contact")),
	std("contact", FieldEmailContacts, OneOf("contact", "onsite_web_contact")),

	std("omni_search", FieldBookingStep1, Equals("omni_search")),
	std("pixel_search", FieldBookingStep1, Equals("offsite_conversion.fb_pixel_search")),
	std("search", FieldBookingStep1, Equals("search")),

	std("omni_add_to_cart", FieldBookingStep2, Equals("omni_add_to_cart")),
	std("pixel_add_to_cart", FieldBookingStep2, Equals("offsite_conversion.fb_pixel_add_to_cart")),
	std("add_to_cart", FieldBookingStep2, Equals("add_to_cart")),

	std("omni_initiated_checkout", FieldBookingStep3, Equals("omni_initiated_checkout")),
	std("pixel_initiate_checkout", FieldBookingStep3, Equals("offsite_conversion.fb_pixel_initiate_checkout")),
	std("initiate_checkout", FieldBookingStep3, OneOf("initiate_checkout", "initiated_checkout")),

	std("omni_purchase", FieldReservations, Equals("omni_purchase")),
	std("pixel_purchase", FieldReservations, Equals("offsite_conversion.fb_pixel_purchase")),
	std("purchase", FieldReservations, Equals("purchase")),
}

// GoogleRules matches Google Ads conversion action names.
var GoogleRules = Table{
	std("calls", FieldClickToCall, Any(Contains("phone call"), Contains("calls from ads"), Contains("click_to_call"))),
	std("email", FieldEmailContacts, Any(Contains("email"), Contains("contact"))),
	std("booking_step_1", FieldBookingStep1, Any(Contains("booking_step_1"), Contains("booking step 1"))),
	std("booking_step_2", FieldBookingStep2, Any(Contains("booking_step_2"), Contains("booking step 2"))),
	std("booking_step_3", FieldBookingStep3, Any(Contains("booking_step_3"), Contains("booking step 3"))),
	std("begin_checkout", FieldBookingStep3, Contains("begin checkout")),
	std("reservation", FieldReservations, Any(Contains("reservation"), Contains("booking confirmed"))),
	std("purchase", FieldReservations, Contains("purchase")),
}
