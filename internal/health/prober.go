package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	ErrProbeTimeout     = errors.New("probe timed out")
	ErrProbeUnreachable = errors.New("node unreachable")
	ErrProbeStatus      = errors.New("node reported unhealthy")
	ErrNoHeartbeat      = errors.New("no live heartbeat")
)

// Report is what a successful probe learned about the node.
type Report struct {
	Utilization    float64
	HasUtilization bool
}

// Prober checks one node. A nil error means the node answered; latency is
// measured by the caller.
type Prober interface {
	Probe(ctx context.Context, node *models.Node) (Report, error)
}

// HTTPProber calls GET {endpoint}/healthz on the node agent.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client}
}

type healthzResponse struct {
	Utilization *float64 `json:"utilization"`
}

func (p *HTTPProber) Probe(ctx context.Context, node *models.Node) (Report, error) {
	if node.Endpoint == "" {
		return Report{}, fmt.Errorf("%w: node %s has no endpoint", ErrProbeUnreachable, node.ID)
	}
	u := strings.TrimRight(node.Endpoint, "/") + "/healthz"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Report{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Report{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Report{}, fmt.Errorf("%w: status %d", ErrProbeStatus, resp.StatusCode)
	}

	var body healthzResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return Report{}, fmt.Errorf("%w: decoding healthz: %v", ErrProbeStatus, err)
	}
	if body.Utilization == nil {
		return Report{}, nil
	}
	return Report{Utilization: clamp01(*body.Utilization), HasUtilization: true}, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProbeUnreachable, err)
}

// CacheProber reads heartbeats that agents push to the API. A heartbeat
// expires after its TTL, so a missing key means the agent went quiet.
type CacheProber struct {
	cache cache.Cache
}

func NewCacheProber(c cache.Cache) *CacheProber {
	return &CacheProber{cache: c}
}

func (p *CacheProber) Probe(ctx context.Context, node *models.Node) (Report, error) {
	raw, found, err := p.cache.Get(ctx, cache.HeartbeatKey(node.ID))
	if err != nil {
		return Report{}, fmt.Errorf("%w: reading heartbeat: %v", ErrProbeUnreachable, err)
	}
	if !found {
		return Report{}, fmt.Errorf("%w: %s", ErrNoHeartbeat, node.ID)
	}
	return decodeHeartbeat(raw)
}

// RecordHeartbeat stores a pushed heartbeat for CacheProber to find.
func RecordHeartbeat(ctx context.Context, c cache.Cache, hb models.Heartbeat, ttl time.Duration) error {
	if hb.At.IsZero() {
		hb.At = time.Now().UTC()
	}
	b, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := c.Set(ctx, cache.HeartbeatKey(hb.NodeID), b, ttl); err != nil {
		return fmt.Errorf("store heartbeat: %w", err)
	}
	return nil
}

// EtcdProber reads lease-backed heartbeat keys. The agent's lease expiring
// deletes the key.
type EtcdProber struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdProber(client *clientv3.Client, prefix string) *EtcdProber {
	return &EtcdProber{client: client, prefix: prefix}
}

// HeartbeatKey is the etcd key an agent keeps alive for nodeID.
func HeartbeatKey(prefix, nodeID string) string {
	return prefix + nodeID
}

func (p *EtcdProber) Probe(ctx context.Context, node *models.Node) (Report, error) {
	resp, err := p.client.Get(ctx, HeartbeatKey(p.prefix, node.ID))
	if err != nil {
		return Report{}, classifyError(err)
	}
	if len(resp.Kvs) == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrNoHeartbeat, node.ID)
	}
	return decodeHeartbeat(resp.Kvs[0].Value)
}

func decodeHeartbeat(raw []byte) (Report, error) {
	var hb models.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return Report{}, fmt.Errorf("%w: decoding heartbeat: %v", ErrProbeStatus, err)
	}
	return Report{Utilization: clamp01(hb.Utilization), HasUtilization: true}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
