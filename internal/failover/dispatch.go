package failover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpufleet/internal/agent"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var ErrDispatchRejected = errors.New("node agent rejected restored state")

// SeqHeader carries the restored checkpoint sequence to the agent.
const SeqHeader = agent.SeqHeader

// NodeLookup resolves a node's agent endpoint.
type NodeLookup interface {
	Get(id string) (*models.Node, error)
}

// HTTPDispatcher posts restored state to the node agent at
// {endpoint}/jobs/{jobID}/restore.
type HTTPDispatcher struct {
	nodes  NodeLookup
	client *http.Client
}

func NewHTTPDispatcher(nodes NodeLookup, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		nodes:  nodes,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, nodeID string, jobID uuid.UUID, seq int64, payload []byte) error {
	node, err := d.nodes.Get(nodeID)
	if err != nil {
		return err
	}
	if node.Endpoint == "" {
		return fmt.Errorf("node %s has no endpoint", nodeID)
	}
	u := fmt.Sprintf("%s/jobs/%s/restore", strings.TrimRight(node.Endpoint, "/"), jobID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(SeqHeader, strconv.FormatInt(seq, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", nodeID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDispatchRejected, resp.StatusCode)
	}
	return nil
}
