package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/health"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var ErrHeartbeatRejected = errors.New("control plane rejected heartbeat")

// Sink delivers heartbeats to the control plane.
type Sink interface {
	Send(ctx context.Context, hb models.Heartbeat) error
	Close(ctx context.Context) error
}

// HTTPSink pushes heartbeats to the control plane API.
type HTTPSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSink(baseURL, apiKey string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Send(ctx context.Context, hb models.Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	u := fmt.Sprintf("%s/api/v1/nodes/%s/heartbeat", s.baseURL, hb.NodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrHeartbeatRejected, resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close(context.Context) error { return nil }

// EtcdSink keeps the node's heartbeat key alive under a lease. When the
// agent dies the lease expires and the key disappears.
type EtcdSink struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration

	mu      sync.Mutex
	lease   clientv3.LeaseID
	cancel  context.CancelFunc
	expired chan struct{}
}

func NewEtcdSink(client *clientv3.Client, prefix string, ttl time.Duration) *EtcdSink {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &EtcdSink{client: client, prefix: prefix, ttl: ttl}
}

func (s *EtcdSink) Send(ctx context.Context, hb models.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired != nil {
		select {
		case <-s.expired:
			s.lease = 0
		default:
		}
	}
	if s.lease == 0 {
		if err := s.grant(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if _, err := s.client.Put(ctx, health.HeartbeatKey(s.prefix, hb.NodeID), string(body), clientv3.WithLease(s.lease)); err != nil {
		return fmt.Errorf("put heartbeat: %w", err)
	}
	return nil
}

// grant creates a lease and keeps it alive in the background until Close.
// The caller holds s.mu.
func (s *EtcdSink) grant(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	resp, err := s.client.Grant(ctx, int64(s.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	kctx, cancel := context.WithCancel(context.Background())
	ch, err := s.client.KeepAlive(kctx, resp.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep lease alive: %w", err)
	}
	expired := make(chan struct{})
	go func() {
		for range ch {
		}
		close(expired)
	}()
	s.lease, s.cancel, s.expired = resp.ID, cancel, expired
	return nil
}

// Close revokes the lease so the heartbeat disappears at once.
func (s *EtcdSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.lease == 0 {
		return nil
	}
	_, err := s.client.Revoke(ctx, s.lease)
	s.lease = 0
	if err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}
