package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	googleMetricsQuery = `SELECT campaign.id, campaign.name, metrics.cost_micros, metrics.impressions, metrics.clicks, metrics.phone_calls ` +
		`FROM campaign WHERE segments.date BETWEEN '%s' AND '%s'`
	googleConversionsQuery = `SELECT campaign.id, segments.conversion_action_name, metrics.conversions, metrics.conversions_value ` +
		`FROM campaign WHERE segments.date BETWEEN '%s' AND '%s' AND metrics.conversions > 0`
)

// GoogleClient reads campaign metrics from the Google Ads REST API for one customer.
type GoogleClient struct {
	transport
	baseURL         string
	version         string
	customerID      string
	developerToken  string
	loginCustomerID string
}

// GoogleOptions configures a GoogleClient.
type GoogleOptions struct {
	BaseURL         string
	APIVersion      string
	CustomerID      string
	DeveloperToken  string
	LoginCustomerID string
	Tokens          oauth2.TokenSource
	HTTPClient      *http.Client
	Limiter         *rate.Limiter
	Observer        Observer
}

func NewGoogleClient(opts GoogleOptions) *GoogleClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &GoogleClient{
		transport: transport{
			platform: models.PlatformGoogle,
			http:     hc,
			tokens:   opts.Tokens,
			limiter:  opts.Limiter,
			observer: opts.Observer,
		},
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		version:         opts.APIVersion,
		customerID:      strings.ReplaceAll(opts.CustomerID, "-", ""),
		developerToken:  opts.DeveloperToken,
		loginCustomerID: strings.ReplaceAll(opts.LoginCustomerID, "-", ""),
	}
}

// GoogleRefreshTokenSource exchanges a stored refresh token for access tokens.
func GoogleRefreshTokenSource(ctx context.Context, clientID, clientSecret, tokenURL, refreshToken string) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

type googleSearchRequest struct {
	Query     string `json:"query"`
	PageToken string `json:"pageToken,omitempty"`
}

type googleRow struct {
	Campaign struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"campaign"`
	Segments struct {
		ConversionActionName string `json:"conversionActionName"`
	} `json:"segments"`
	Metrics struct {
		CostMicros       json.Number `json:"costMicros"`
		Impressions      json.Number `json:"impressions"`
		Clicks           json.Number `json:"clicks"`
		PhoneCalls       json.Number `json:"phoneCalls"`
		Conversions      json.Number `json:"conversions"`
		ConversionsValue json.Number `json:"conversionsValue"`
	} `json:"metrics"`
}

type googleSearchResponse struct {
	Results       []googleRow `json:"results"`
	NextPageToken string      `json:"nextPageToken"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GetCampaignData runs the metrics query and the per-conversion-action query and merges
// them by campaign id. Conversion actions become actions keyed by their name.
func (c *GoogleClient) GetCampaignData(ctx context.Context, start, end time.Time) ([]models.RawCampaignPayload, error) {
	since, until := start.Format(models.DateLayout), end.Format(models.DateLayout)

	base, err := c.search(ctx, fmt.Sprintf(googleMetricsQuery, since, until))
	if err != nil {
		return nil, err
	}
	conversions, err := c.search(ctx, fmt.Sprintf(googleConversionsQuery, since, until))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.RawCampaignPayload, len(base))
	var order []string
	campaign := func(id, name string) *models.RawCampaignPayload {
		p, ok := byID[id]
		if !ok {
			p = &models.RawCampaignPayload{CampaignID: id, CampaignName: name, Fields: map[string]string{}}
			byID[id] = p
			order = append(order, id)
		}
		return p
	}

	// A campaign split across rows is summed.
	for _, row := range base {
		p := campaign(row.Campaign.ID, row.Campaign.Name)
		addField(p.Fields, "cost_micros", row.Metrics.CostMicros)
		addField(p.Fields, "impressions", row.Metrics.Impressions)
		addField(p.Fields, "clicks", row.Metrics.Clicks)
		addField(p.Fields, "phone_calls", row.Metrics.PhoneCalls)
	}
	for _, row := range conversions {
		name := row.Segments.ConversionActionName
		if name == "" {
			continue
		}
		p := campaign(row.Campaign.ID, row.Campaign.Name)
		p.Actions = append(p.Actions, models.ActionValue{ActionType: name, Value: row.Metrics.Conversions.String()})
		p.ActionValues = append(p.ActionValues, models.ActionValue{ActionType: name, Value: row.Metrics.ConversionsValue.String()})
	}

	sort.Strings(order)
	out := make([]models.RawCampaignPayload, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (c *GoogleClient) search(ctx context.Context, query string) ([]googleRow, error) {
	endpoint := fmt.Sprintf("%s/%s/customers/%s/googleAds:search", c.baseURL, c.version, c.customerID)

	var rows []googleRow
	pageToken := ""
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, errs.PlatformTransient("google.search", fmt.Errorf("paging still open after %d pages", maxPages))
		}
		payload, err := json.Marshal(googleSearchRequest{Query: query, PageToken: pageToken})
		if err != nil {
			return nil, fmt.Errorf("google: encode request: %w", err)
		}
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("google: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("developer-token", c.developerToken)
		if c.loginCustomerID != "" {
			req.Header.Set("login-customer-id", c.loginCustomerID)
		}

		body, err := c.do(ctx, req, classifyGoogle)
		if err != nil {
			return nil, err
		}
		var resp googleSearchResponse
		if err := decode("google.search", body, &resp); err != nil {
			return nil, err
		}
		rows = append(rows, resp.Results...)

		if resp.NextPageToken == "" {
			return rows, nil
		}
		pageToken = resp.NextPageToken
	}
}

// addField accumulates a numeric metric kept as a decimal string.
func addField(fields map[string]string, name string, v json.Number) {
	if v == "" {
		return
	}
	prev, ok := fields[name]
	if !ok {
		fields[name] = v.String()
		return
	}
	a, errA := json.Number(prev).Float64()
	b, errB := v.Float64()
	if errA != nil || errB != nil {
		return
	}
	fields[name] = fmt.Sprintf("%.0f", a+b)
}

func classifyGoogle(resp *http.Response, body []byte) error {
	const op = "google.search"

	var e googleErrorResponse
	_ = json.Unmarshal(body, &e)
	msg := e.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("google ads %d %s: %s", resp.StatusCode, e.Error.Status, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.PlatformAuth(op, err)
	case resp.StatusCode == http.StatusTooManyRequests || e.Error.Status == "RESOURCE_EXHAUSTED":
		return errs.PlatformRateLimit(op, retryAfter(resp), err)
	case resp.StatusCode >= 500:
		return errs.PlatformTransient(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
