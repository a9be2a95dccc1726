package statcan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewinds/internal/model"
)

func TestDecodeReportVariants(t *testing.T) {
	row := `{"hsCode":"870323","countryCode":"11124","countryName":"United States","value":1250.5,"quantity":3,"uom":"nmb"}`

	tests := []struct {
		name     string
		body     string
		wantRows int
	}{
		{
			name:     "rows envelope",
			body:     `{"rows":[` + row + `]}`,
			wantRows: 1,
		},
		{
			name:     "data envelope",
			body:     `{"data":[` + row + `]}`,
			wantRows: 1,
		},
		{
			name:     "results envelope",
			body:     `{"results":[` + row + `]}`,
			wantRows: 1,
		},
		{
			name:     "records envelope",
			body:     `{"records":[` + row + `]}`,
			wantRows: 1,
		},
		{
			name:     "items envelope",
			body:     `{"items":[` + row + `]}`,
			wantRows: 1,
		},
		{
			name:     "bare array",
			body:     `[` + row + `,` + row + `]`,
			wantRows: 2,
		},
		{
			name:     "nested envelope",
			body:     `{"data":{"rows":[` + row + `]}}`,
			wantRows: 1,
		},
		{
			name:     "empty rows",
			body:     `{"rows":[]}`,
			wantRows: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := DecodeReport([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, report.Rows, tt.wantRows)
			if tt.wantRows > 0 {
				item := report.Rows[0]
				assert.Equal(t, "870323", item.HSCode)
				assert.Equal(t, "11124", item.CountryCode)
				assert.Equal(t, "United States", item.CountryName)
				assert.Equal(t, 1250.5, item.Value)
				assert.Equal(t, 3.0, item.Quantity)
				assert.Equal(t, "NMB", item.UOM)
			}
		})
	}
}

func TestDecodeReportBadPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "object without known key", body: `{"status":"ok"}`},
		{name: "scalar", body: `42`},
		{name: "string", body: `"maintenance"`},
		{name: "invalid json", body: `{"rows":[`},
		{name: "html error page", body: `<html><body>Service Unavailable</body></html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReport([]byte(tt.body))
			assert.ErrorIs(t, err, ErrBadPayload)
		})
	}
}

func TestDecodeReportDropsUnusableRows(t *testing.T) {
	body := `{"rows":[
		{"hsCode":"870323","countryName":"Japan","value":10},
		{"countryName":"Japan","value":10},
		{"hsCode":"870324","value":10},
		{"hsCode":"","countryName":"Japan"}
	]}`

	report, err := DecodeReport([]byte(body))
	require.NoError(t, err)
	assert.Len(t, report.Rows, 1)
	assert.Equal(t, 3, report.Dropped)
}

func TestDecodeReportCoercions(t *testing.T) {
	body := `{"rows":[
		{"hs_code":"0101.21","country_code":"13510","value":"123.45","qty":"7"},
		{"commodityCode":"870310","partnerCode":"9","tradeValue":99},
		{"HSCODE":"010121","COUNTRYNAME":"France"}
	]}`

	report, err := DecodeReport([]byte(body))
	require.NoError(t, err)
	require.Len(t, report.Rows, 3)

	assert.Equal(t, "010121", report.Rows[0].HSCode)
	assert.Equal(t, 123.45, report.Rows[0].Value)
	assert.Equal(t, 7.0, report.Rows[0].Quantity)

	assert.Equal(t, "870310", report.Rows[1].HSCode)
	assert.Equal(t, "9", report.Rows[1].CountryCode)
	assert.Equal(t, 99.0, report.Rows[1].Value)

	assert.Equal(t, "010121", report.Rows[2].HSCode)
	assert.Equal(t, "France", report.Rows[2].CountryName)
	assert.Equal(t, 0.0, report.Rows[2].Value)
	assert.Equal(t, 0.0, report.Rows[2].Quantity)
}

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
	}

	assert.Equal(t, time.Second, policy.Backoff(0))
	assert.Equal(t, 2*time.Second, policy.Backoff(1))
	assert.Equal(t, 4*time.Second, policy.Backoff(2))
	assert.Equal(t, 5*time.Second, policy.Backoff(3))
	assert.Equal(t, 5*time.Second, policy.Backoff(10))
}

func TestRetryPolicyBackoffJitterBounds(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}

	for i := 0; i < 100; i++ {
		delay := policy.Backoff(1)
		assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
		assert.LessOrEqual(t, delay, 2400*time.Millisecond)
	}
}

func TestReportURL(t *testing.T) {
	client, err := NewWithConfig(Config{})
	require.NoError(t, err)

	key := model.Key{Year: 2009, Month: 3, Chapter: "87", ProvinceID: 24, Flow: model.FlowImport}
	want := "https://www150.statcan.gc.ca/t1/cimt/rest/getReport/(24)/0/100/87/1/150000/0/0/2009-03-01/2009-03-01"
	assert.Equal(t, want, client.reportURL(key))

	key = model.Key{Year: 2008, Month: 12, Chapter: "01", ProvinceID: 0, Flow: model.FlowExport}
	want = "https://www150.statcan.gc.ca/t1/cimt/rest/getReport/(0)/0/100/01/0/150000/0/0/2008-12-01/2008-12-01"
	assert.Equal(t, want, client.reportURL(key))
}

func TestNewWithConfigDefaults(t *testing.T) {
	client, err := NewWithConfig(Config{})
	require.NoError(t, err)

	assert.Equal(t, defaultBaseURL, client.config.BaseURL)
	assert.Equal(t, defaultPartnerDetail, client.config.PartnerDetail)
	assert.Equal(t, 10*time.Second, client.config.Timeout)
	assert.Equal(t, 4, client.config.Retry.MaxAttempts)
	assert.Equal(t, time.Second, client.config.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, client.config.Retry.MaxDelay)
}

func TestNewWithConfigRejectsBadBaseURL(t *testing.T) {
	_, err := NewWithConfig(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewWithConfig(Config{
		BaseURL: baseURL,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestFetchReportRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"rows":[{"hsCode":"870323","countryName":"Japan","value":5}]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	body, err := client.FetchReport(context.Background(), model.Key{Year: 2008, Month: 1, Chapter: "87", Flow: model.FlowExport})
	require.NoError(t, err)
	assert.Contains(t, string(body), "870323")
	assert.Equal(t, int64(3), calls.Load())
}

func TestFetchReportExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.FetchReport(context.Background(), model.Key{Year: 2008, Month: 1, Chapter: "87", Flow: model.FlowExport})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int64(3), calls.Load())
}

func TestFetchReportClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.FetchReport(context.Background(), model.Key{Year: 2008, Month: 1, Chapter: "87", Flow: model.FlowExport})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchReportBadPayloadNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"maintenance"}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.FetchReport(context.Background(), model.Key{Year: 2008, Month: 1, Chapter: "87", Flow: model.FlowExport})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchReportHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewWithConfig(Config{
		BaseURL: server.URL,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Hour,
			MaxDelay:    time.Hour,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.FetchReport(ctx, model.Key{Year: 2008, Month: 1, Chapter: "87", Flow: model.FlowExport})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
