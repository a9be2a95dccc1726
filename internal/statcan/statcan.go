package statcan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"tradewinds/internal/model"
)

const (
	defaultBaseURL          = "https://www150.statcan.gc.ca/t1/cimt/rest/getReport/"
	defaultPartnerDetail    = 150000
	defaultTimeoutSeconds   = 10
	defaultMaxAttempts      = 4
	defaultBaseDelaySeconds = 1
	defaultMaxDelaySeconds  = 30
	defaultJitter           = 0.2
	defaultRateLimitPerSec  = 10
	defaultRateLimitBurst   = 10
	defaultUserAgent        = "tradewinds/0.1"
)

// ErrBadPayload marks a response body that does not decode into any known
// report shape. It is an API contract violation, not a transient failure:
// callers mark the key failed without retrying.
var ErrBadPayload = errors.New("statcan: unrecognized payload shape")

// ErrStatus marks a non-2xx response after retries are exhausted (or a
// status that is never retried).
var ErrStatus = errors.New("statcan: request failed")

// RetryPolicy is the bounded-retry schedule for transient failures.
// Backoff grows exponentially from BaseDelay, capped at MaxDelay, with a
// +/- Jitter fraction applied to spread concurrent workers.
type RetryPolicy struct {
	MaxAttempts int           `validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `validate:"gte=0"`
	MaxDelay    time.Duration `validate:"gte=0"`
	Jitter      float64       `validate:"gte=0,lte=1"`
}

// Backoff returns the delay to apply after the given zero-based failed
// attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && delay > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

type Config struct {
	BaseURL         string        `validate:"required,url"`
	PartnerDetail   int           `validate:"gte=0"`
	Timeout         time.Duration `validate:"gt=0"`
	Retry           RetryPolicy
	RateLimitPerSec int `validate:"gte=0"`
	RateLimitBurst  int `validate:"gte=0"`
	UserAgent       string
}

type Client struct {
	config  Config
	client  *http.Client
	limiter *rateLimiter
}

func New() (*Client, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PartnerDetail <= 0 {
		cfg.PartnerDetail = defaultPartnerDetail
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = defaultBaseDelaySeconds * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = defaultMaxDelaySeconds * time.Second
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("statcan: invalid config: %w", err)
	}

	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:       getenv("STATCAN_BASE_URL", defaultBaseURL),
		PartnerDetail: getenvInt("STATCAN_PARTNER_DETAIL", defaultPartnerDetail),
		Timeout:       time.Duration(getenvInt("STATCAN_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: getenvInt("STATCAN_MAX_ATTEMPTS", defaultMaxAttempts),
			BaseDelay:   time.Duration(getenvInt("STATCAN_RETRY_BASE_SECONDS", defaultBaseDelaySeconds)) * time.Second,
			MaxDelay:    time.Duration(getenvInt("STATCAN_RETRY_MAX_SECONDS", defaultMaxDelaySeconds)) * time.Second,
			Jitter:      getenvFloat("STATCAN_RETRY_JITTER", defaultJitter),
		},
		RateLimitPerSec: getenvInt("STATCAN_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec),
		RateLimitBurst:  getenvInt("STATCAN_RATE_LIMIT_BURST", defaultRateLimitBurst),
		UserAgent:       getenv("STATCAN_USER_AGENT", defaultUserAgent),
	}
}

// FetchReport fetches the report for one grid key and returns the
// verbatim response body after checking that it decodes into a known
// shape. Transient failures are retried per the policy; a payload the
// decoder does not recognize fails immediately.
func (c *Client) FetchReport(ctx context.Context, key model.Key) ([]byte, error) {
	endpoint := c.reportURL(key)

	var lastErr error
	for attempt := 0; attempt < c.config.Retry.MaxAttempts; attempt++ {
		body, status, retryAfter, err := c.do(ctx, endpoint)
		if err == nil {
			if _, derr := DecodeReport(body); derr != nil {
				return nil, derr
			}
			return body, nil
		}
		lastErr = err
		if !retryable(status, err) {
			return nil, err
		}
		if attempt < c.config.Retry.MaxAttempts-1 {
			delay := c.config.Retry.Backoff(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			if serr := sleepWithContext(ctx, delay); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, int, time.Duration, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// A truncated read is a transport failure, not a server verdict.
		return nil, 0, 0, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter := parseRetryAfter(resp)
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("%w (%s): %s", ErrStatus, resp.Status, snippet(body))
	}

	return body, resp.StatusCode, 0, nil
}

// The report endpoint is positional: province id (parenthesized), two
// fixed table parameters, chapter, flow code, partner detail level, two
// fixed filters, then the reference period start and end dates, which are
// identical for a single-month request.
func (c *Client) reportURL(key model.Key) string {
	base := strings.TrimRight(c.config.BaseURL, "/") + "/"
	date := key.RefDate()
	return fmt.Sprintf("%s(%d)/0/100/%s/%d/%d/0/0/%s/%s",
		base, key.ProvinceID, url.PathEscape(key.Chapter), key.Flow.Code(), c.config.PartnerDetail, date, date)
}

func retryable(status int, err error) bool {
	if err != nil && status == 0 {
		return true
	}
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := time.Parse(http.TimeFormat, value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return 0
}

func snippet(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		return trimmed[:200]
	}
	return trimmed
}

type rateLimiter struct {
	tokens chan struct{}
}

func newRateLimiter(ratePerSec, burst int) *rateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	limiter := &rateLimiter{
		tokens: make(chan struct{}, burst),
	}
	for i := 0; i < burst; i++ {
		limiter.tokens <- struct{}{}
	}

	interval := time.Second / time.Duration(ratePerSec)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case limiter.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return limiter
}

func (l *rateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Report is one decoded API response. Dropped counts line items that
// lacked the fields required to ever become a canonical row.
type Report struct {
	Rows    []LineItem
	Dropped int
}

// LineItem is one partner/commodity line of a report. Value and Quantity
// default to zero when absent or non-numeric.
type LineItem struct {
	HSCode      string
	Description string
	Value       float64
	Quantity    float64
	UOM         string
	CountryCode string
	CountryName string
	CountryISO  string
	State       string
}

// DecodeReport decodes a response body into one of the known payload
// shapes: an envelope object carrying the line-item array under a
// conventional key, or a bare top-level array. Anything else is the
// unparseable variant, reported as ErrBadPayload. Unknown fields are
// ignored so additive schema changes do not break extraction.
func DecodeReport(body []byte) (*Report, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	rows, err := extractRows(payload)
	if err != nil {
		return nil, err
	}

	report := &Report{Rows: make([]LineItem, 0, len(rows))}
	for _, row := range rows {
		item, ok := itemFromRow(row)
		if !ok {
			report.Dropped++
			continue
		}
		report.Rows = append(report.Rows, item)
	}
	return report, nil
}

func extractRows(payload any) ([]map[string]any, error) {
	switch typed := payload.(type) {
	case []any:
		return toRowList(typed), nil
	case map[string]any:
		for _, key := range []string{"rows", "Rows", "data", "Data", "results", "Results", "records", "Records", "items", "Items"} {
			if raw, ok := typed[key]; ok {
				return extractRows(raw)
			}
		}
		return nil, ErrBadPayload
	default:
		return nil, ErrBadPayload
	}
}

func toRowList(items []any) []map[string]any {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func itemFromRow(row map[string]any) (LineItem, bool) {
	hs, _ := getString(row, "hsCode", "hs_code", "commodityCode", "hs", "code")
	hs = cleanHSCode(hs)
	if hs == "" {
		return LineItem{}, false
	}

	countryCode, _ := getString(row, "countryCode", "country_code", "countryId", "partnerCode")
	countryName, _ := getString(row, "countryName", "country_name", "country", "partner", "destination")
	if countryCode == "" && countryName == "" {
		return LineItem{}, false
	}

	value, _ := getFloat(row, "value", "tradeValue", "val")
	quantity, _ := getFloat(row, "quantity", "qty")
	uom, _ := getString(row, "uom", "unitOfMeasure", "unit")
	iso, _ := getString(row, "countryIso", "iso3", "iso")
	state, _ := getString(row, "stateCode", "state", "stateName")
	description, _ := getString(row, "commodityName", "description", "desc", "text", "en")

	return LineItem{
		HSCode:      hs,
		Description: description,
		Value:       value,
		Quantity:    quantity,
		UOM:         strings.ToUpper(uom),
		CountryCode: countryCode,
		CountryName: countryName,
		CountryISO:  strings.ToUpper(iso),
		State:       state,
	}, true
}

func cleanHSCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, ".", "")
	return strings.ReplaceAll(code, " ", "")
}

func getString(row map[string]any, keys ...string) (string, bool) {
	value, ok := getValue(row, keys...)
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	default:
		return "", false
	}
}

func getFloat(row map[string]any, keys ...string) (float64, bool) {
	value, ok := getValue(row, keys...)
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func getValue(row map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := row[key]; ok {
			return value, ok
		}
	}
	for rowKey, value := range row {
		for _, key := range keys {
			if strings.EqualFold(rowKey, key) {
				return value, true
			}
		}
	}
	return nil, false
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
