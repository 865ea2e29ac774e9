package repo

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CoreClient fetches historical metric series from a mirador-core style API so
// that freshly started engines can be backfilled.
type CoreClient struct {
	baseURL    string
	seriesPath string
	httpClient *http.Client
}

// NewCoreClient constructs a client targeting the configured core instance.
func NewCoreClient(baseURL, seriesPath string, timeout time.Duration) *CoreClient {
	return &CoreClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		seriesPath: seriesPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Enabled reports whether a base URL is configured.
func (c *CoreClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type seriesPoint struct {
	Timestamp jsoniter.RawMessage `json:"timestamp"`
	Value     float64             `json:"value"`
}

// FetchSeries queries the core API for the samples of metric inside [start, end].
// The returned samples are sorted by timestamp.
func (c *CoreClient) FetchSeries(ctx context.Context, metric string, start, end time.Time) ([]models.Sample, error) {
	if c == nil {
		return nil, fmt.Errorf("core client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("core base URL not configured")
	}
	if strings.TrimSpace(metric) == "" {
		return nil, fmt.Errorf("%w: metric name is required", utils.ErrInvalidArgument)
	}

	payload := map[string]interface{}{
		"metric": metric,
		"start":  start.UTC().Format(time.RFC3339),
		"end":    end.UTC().Format(time.RFC3339),
	}

	var response struct {
		Metric string        `json:"metric"`
		Series []seriesPoint `json:"series"`
	}

	if err := c.postJSON(ctx, c.seriesURL(), payload, &response); err != nil {
		return nil, fmt.Errorf("core series request for %s failed: %w", metric, err)
	}

	samples := make([]models.Sample, 0, len(response.Series))
	for i, point := range response.Series {
		ts, err := decodeTimestamp(point.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("core series %s point %d: %w", metric, i, err)
		}
		samples = append(samples, models.Sample{Metric: metric, Timestamp: ts, Value: point.Value})
	}
	sortSamples(samples)
	return samples, nil
}

// decodeTimestamp accepts epoch milliseconds as a number or string, or RFC3339.
func decodeTimestamp(raw jsoniter.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing timestamp")
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("timestamp %s: %w", string(raw), err)
	}
	return utils.ParseTimestamp(text)
}

func sortSamples(samples []models.Sample) {
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
}

func (c *CoreClient) seriesURL() string { return c.resolvePath(c.seriesPath) }

func (c *CoreClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *CoreClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("core returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
