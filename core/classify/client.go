package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"setu/config"
	"setu/core/store"
	"setu/core/utils"
)

// RejectCategory is what the classifier answers for images that show no
// environmental issue.
const RejectCategory = "reject"

type Result struct {
	Category      string   `json:"category"`
	Severity      *float64 `json:"severity"`
	SeverityLevel string   `json:"severity_level"`
	Scale         string   `json:"scale"`
}

func (r *Result) Rejected() bool {
	return r != nil && strings.EqualFold(strings.TrimSpace(r.Category), RejectCategory)
}

// Classification converts the result into report fields. Severity is clamped
// to 0..100.
func (r *Result) Classification() *store.Classification {
	if r == nil {
		return nil
	}
	c := &store.Classification{Category: strings.TrimSpace(r.Category), SeverityLevel: r.SeverityLevel, Scale: r.Scale}
	if r.Severity != nil {
		v := int(math.Round(math.Max(0, math.Min(100, *r.Severity))))
		c.Severity = &v
	}
	return c
}

// HTTPError is a non-2xx answer from the classifier.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("classifier returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("classifier returned %d", e.Status)
}

type Classifier interface {
	Classify(ctx context.Context, imageURL string) (*Result, error)
}

type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewClient(cfg config.ClassifyConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := int(math.Ceil(cfg.RatePerSec))
	if burst < 1 {
		burst = 1
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Classify posts the image URL to the classifier. Timeouts, transport errors,
// 429 and 5xx answers come back wrapped as retryable.
func (c *Client) Classify(ctx context.Context, imageURL string) (*Result, error) {
	if strings.TrimSpace(imageURL) == "" {
		return nil, errors.New("classify: empty image url")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, utils.Retryable("classify rate limit", err)
	}
	body, _ := json.Marshal(map[string]string{"image_url": imageURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, utils.Retryable("classify", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, utils.Retryable("classify read", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(raw, &payload)
		herr := &HTTPError{Status: resp.StatusCode, Detail: payload.Detail}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, utils.Retryable("classify", herr)
		}
		return nil, herr
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("classify: decode response: %w", err)
	}
	if strings.TrimSpace(res.Category) == "" {
		return nil, errors.New("classify: response without category")
	}
	return &res, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
