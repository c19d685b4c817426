package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// UtilizationQuery is the PromQL used to fetch per-node GPU utilization in
// [0,1], labelled by node_id.
const UtilizationQuery = `avg by (node_id) (gpufleet_gpu_utilization_ratio)`

// MetricsSource supplies utilization for nodes whose probes do not report it.
type MetricsSource interface {
	Utilization(ctx context.Context) (map[string]float64, error)
}

// PrometheusSource runs an instant query against the Prometheus HTTP API.
type PrometheusSource struct {
	baseURL string
	query   string
	client  *http.Client
}

func NewPrometheusSource(baseURL string, timeout time.Duration) *PrometheusSource {
	return &PrometheusSource{
		baseURL: baseURL,
		query:   UtilizationQuery,
		client:  &http.Client{Timeout: timeout},
	}
}

type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  []any             `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

func (s *PrometheusSource) Utilization(ctx context.Context) (map[string]float64, error) {
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.baseURL, url.QueryEscape(s.query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query prometheus: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding prometheus response: %w", err)
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}

	out := make(map[string]float64, len(result.Data.Result))
	for _, r := range result.Data.Result {
		id := r.Metric["node_id"]
		if id == "" || len(r.Value) < 2 {
			continue
		}
		v, err := sampleValue(r.Value[1])
		if err != nil {
			continue
		}
		out[id] = clamp01(v)
	}
	return out, nil
}

// sampleValue parses the value half of a [timestamp, "value"] pair.
func sampleValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected sample type %T", raw)
	}
}
