package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const inboxPath = "/api/v1/inbox"

// EndpointResolver maps a party to the base URL of its node.
type EndpointResolver interface {
	Endpoint(partyID string) (string, bool)
}

// HTTPPeers publishes an envelope by posting it to the inbox endpoint of the
// party named in its PartitionKey. Envelopes addressed to Local go to the
// in-process bus instead.
type HTTPPeers struct {
	Local     string
	Endpoints EndpointResolver
	LocalBus  ports.EventPublisher
	Client    *http.Client
	Logger    *slog.Logger
}

func NewHTTPPeers(local string, endpoints EndpointResolver, localBus ports.EventPublisher, logger *slog.Logger) *HTTPPeers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPeers{
		Local:     local,
		Endpoints: endpoints,
		LocalBus:  localBus,
		Client:    &http.Client{Timeout: 10 * time.Second},
		Logger:    logger,
	}
}

func (p *HTTPPeers) Publish(ctx context.Context, topic string, event ports.EventEnvelope) error {
	target := strings.TrimSpace(event.PartitionKey)
	if target == "" || target == p.Local {
		if p.LocalBus == nil {
			return fmt.Errorf("no local bus for topic %s", topic)
		}
		return p.LocalBus.Publish(ctx, topic, event)
	}
	endpoint, ok := p.Endpoints.Endpoint(target)
	if !ok {
		return fmt.Errorf("no inbox endpoint for party %s", target)
	}
	if strings.TrimSpace(event.TraceID) == "" {
		event.TraceID = xid.New().String()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+inboxPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", event.TraceID)
	req.Header.Set("X-Party-Id", p.Local)

	resp, err := p.Client.Do(req)
	if err != nil {
		p.Logger.Error("peer inbox post failed",
			"event", "peer_publish_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"target_party", target,
			"event_id", event.EventID,
			"error", err.Error(),
		)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s inbox returned %d: %s", target, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	p.Logger.Info("event delivered to peer",
		"event", "peer_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"target_party", target,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"trace_id", event.TraceID,
	)
	return nil
}
