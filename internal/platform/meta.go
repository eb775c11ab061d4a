package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const metaInsightFields = "campaign_id,campaign_name,spend,impressions,clicks,actions,action_values"

// maxPages bounds paging. A cursor still open after the last page fails the fetch.
const maxPages = 200

// MetaClient reads campaign insights from the Meta Graph API for one ad account.
type MetaClient struct {
	transport
	baseURL   string
	version   string
	accountID string
}

// MetaOptions configures a MetaClient.
type MetaOptions struct {
	BaseURL     string
	APIVersion  string
	AdAccountID string
	Tokens      oauth2.TokenSource
	HTTPClient  *http.Client
	Limiter     *rate.Limiter
	Observer    Observer
}

func NewMetaClient(opts MetaOptions) *MetaClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &MetaClient{
		transport: transport{
			platform: models.PlatformMeta,
			http:     hc,
			tokens:   opts.Tokens,
			limiter:  opts.Limiter,
			observer: opts.Observer,
		},
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		version:   opts.APIVersion,
		accountID: strings.TrimPrefix(opts.AdAccountID, "act_"),
	}
}

type metaInsightsResponse struct {
	Data []struct {
		CampaignID   string               `json:"campaign_id"`
		CampaignName string               `json:"campaign_name"`
		Spend        string               `json:"spend"`
		Impressions  string               `json:"impressions"`
		Clicks       string               `json:"clicks"`
		Actions      []models.ActionValue `json:"actions"`
		ActionValues []models.ActionValue `json:"action_values"`
	} `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type metaErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// GetCampaignData fetches campaign-level insights for [start, end], following paging cursors.
func (c *MetaClient) GetCampaignData(ctx context.Context, start, end time.Time) ([]models.RawCampaignPayload, error) {
	timeRange, _ := json.Marshal(map[string]string{
		"since": start.Format(models.DateLayout),
		"until": end.Format(models.DateLayout),
	})
	q := url.Values{}
	q.Set("level", "campaign")
	q.Set("fields", metaInsightFields)
	q.Set("time_range", string(timeRange))
	q.Set("limit", "500")
	next := fmt.Sprintf("%s/%s/act_%s/insights?%s", c.baseURL, c.version, c.accountID, q.Encode())

	out := []models.RawCampaignPayload{}
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return nil, errs.PlatformTransient("meta.insights", fmt.Errorf("paging still open after %d pages", maxPages))
		}
		req, err := http.NewRequest(http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("meta: build request: %w", err)
		}
		body, err := c.do(ctx, req, classifyMeta)
		if err != nil {
			return nil, err
		}

		var resp metaInsightsResponse
		if err := decode("meta.insights", body, &resp); err != nil {
			return nil, err
		}
		for _, row := range resp.Data {
			out = append(out, models.RawCampaignPayload{
				CampaignID:   row.CampaignID,
				CampaignName: row.CampaignName,
				Fields: map[string]string{
					"spend":       row.Spend,
					"impressions": row.Impressions,
					"clicks":      row.Clicks,
				},
				Actions:      row.Actions,
				ActionValues: row.ActionValues,
			})
		}
		next = resp.Paging.Next
	}
	return out, nil
}

// Graph API error codes, see the Marketing API error reference.
var (
	metaAuthCodes      = map[int]bool{102: true, 190: true}
	metaRateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true, 80000: true, 80004: true}
)

func classifyMeta(resp *http.Response, body []byte) error {
	const op = "meta.insights"

	var e metaErrorResponse
	_ = json.Unmarshal(body, &e)
	msg := e.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("graph api %d (code %d): %s", resp.StatusCode, e.Error.Code, msg)

	switch {
	case metaAuthCodes[e.Error.Code] || resp.StatusCode == http.StatusUnauthorized:
		return errs.PlatformAuth(op, err)
	case metaRateLimitCodes[e.Error.Code] || resp.StatusCode == http.StatusTooManyRequests:
		return errs.PlatformRateLimit(op, retryAfter(resp), err)
	case resp.StatusCode >= 500:
		return errs.PlatformTransient(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
