package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantRegistry is the on-disk tenant registry. Credential material is written here by the
// credential manager; the engine only reads it.
type TenantRegistry struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

// TenantConfig describes one client and its platform accounts.
type TenantConfig struct {
	ID     string               `yaml:"id"`
	Meta   *MetaAccountConfig   `yaml:"meta,omitempty"`
	Google *GoogleAccountConfig `yaml:"google,omitempty"`
}

type MetaAccountConfig struct {
	AdAccountID string `yaml:"ad_account_id"`
	AccessToken string `yaml:"access_token"`
	// CustomConversions maps a custom conversion action_type to a funnel field name.
	CustomConversions map[string]string `yaml:"custom_conversions,omitempty"`
}

type GoogleAccountConfig struct {
	CustomerID        string            `yaml:"customer_id"`
	RefreshToken      string            `yaml:"refresh_token"`
	CustomConversions map[string]string `yaml:"custom_conversions,omitempty"`
}

// LoadTenants reads and validates the tenant registry at path.
func LoadTenants(path string) (*TenantRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}
	return ParseTenants(data)
}

// ParseTenants decodes a YAML tenant registry.
func ParseTenants(data []byte) (*TenantRegistry, error) {
	var tf TenantRegistry
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file: %w", err)
	}

	seen := make(map[string]struct{}, len(tf.Tenants))
	for i := range tf.Tenants {
		t := &tf.Tenants[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("tenant #%d: id is required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("tenant %q: duplicate id", t.ID)
		}
		seen[t.ID] = struct{}{}

		if t.Meta != nil && t.Meta.AdAccountID == "" {
			return nil, fmt.Errorf("tenant %q: meta.ad_account_id is required", t.ID)
		}
		if t.Google != nil && t.Google.CustomerID == "" {
			return nil, fmt.Errorf("tenant %q: google.customer_id is required", t.ID)
		}
	}
	return &tf, nil
}
