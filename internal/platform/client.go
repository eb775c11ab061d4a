// Package platform contains the advertising platform clients and the tenant registry that
// resolves them.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Client fetches campaign-level rows for an inclusive date range. It returns an empty slice,
// not an error, when the account had no campaigns in range.
type Client interface {
	GetCampaignData(ctx context.Context, start, end time.Time) ([]models.RawCampaignPayload, error)
}

// Observer receives one call per upstream HTTP request.
type Observer interface {
	ObservePlatformRequest(platform, outcome string, d time.Duration)
}

// maxErrorBody caps how much of an error response is read for classification.
const maxErrorBody = 64 << 10

// transport is the HTTP plumbing shared by the platform clients.
type transport struct {
	platform models.Platform
	http     *http.Client
	tokens   oauth2.TokenSource
	limiter  *rate.Limiter
	observer Observer
}

// NewLimiter returns a limiter allowing rps requests per second, or nil for no limit.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// do sends req with credentials and throttling applied and returns the body of a 2xx response.
// classify maps non-2xx responses to the error taxonomy.
func (t *transport) do(ctx context.Context, req *http.Request, classify func(*http.Response, []byte) error) ([]byte, error) {
	op := string(t.platform) + ".request"

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, errs.PlatformTransient(op, fmt.Errorf("rate limiter: %w", err))
		}
	}

	tok, err := t.tokens.Token()
	if err != nil {
		if isTokenError(err) {
			return nil, errs.PlatformAuth(op, fmt.Errorf("token: %w", err))
		}
		return nil, errs.PlatformTransient(op, fmt.Errorf("token: %w", err))
	}
	if tok.AccessToken == "" {
		return nil, errs.PlatformAuth(op, errors.New("no access token configured"))
	}
	tok.SetAuthHeader(req)

	start := time.Now()
	resp, err := t.http.Do(req.WithContext(ctx))
	if err != nil {
		t.observe("network_error", start)
		return nil, errs.PlatformTransient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		t.observe("network_error", start)
		return nil, errs.PlatformTransient(op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.observe("ok", start)
		return body, nil
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	cerr := classify(resp, body)
	t.observe(outcome(cerr), start)
	return nil, cerr
}

func (t *transport) observe(result string, start time.Time) {
	if t.observer != nil {
		t.observer.ObservePlatformRequest(string(t.platform), result, time.Since(start))
	}
}

func outcome(err error) string {
	switch errs.KindOf(err) {
	case errs.KindPlatformAuth:
		return "auth_error"
	case errs.KindPlatformRateLimit:
		return "rate_limited"
	case errs.KindPlatformTransient:
		return "transient_error"
	default:
		return "error"
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// decode unmarshals a JSON body, wrapping failures as transient since a truncated or
// garbled body is usually an upstream hiccup.
func decode(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errs.PlatformTransient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// isTokenError reports whether err came from the OAuth token endpoint.
func isTokenError(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}
