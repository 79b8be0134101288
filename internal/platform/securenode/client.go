// Package securenode talks to the trusted execution node that holds task
// results awaiting release.
package securenode

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

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
)

type pullRequest struct {
	ProjectID         string `json:"project_id"`
	JobID             string `json:"job_id,omitempty"`
	TaskID            string `json:"task_id,omitempty"`
	ResourceID        string `json:"resource_id"`
	TeeNodeID         string `json:"tee_node_id"`
	Requester         string `json:"requester"`
	ReceiverPublicKey []byte `json:"receiver_public_key,omitempty"`
}

// Client asks the secure node to release a result to the requesting party.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Logger:  logger,
	}
}

func (c *Client) Pull(ctx context.Context, release entities.TeeDownloadAction) error {
	body, err := json.Marshal(pullRequest{
		ProjectID:         release.ProjectID,
		JobID:             release.JobID,
		TaskID:            release.TaskID,
		ResourceID:        release.ResourceID,
		TeeNodeID:         release.TeeNodeID,
		Requester:         release.Requester,
		ReceiverPublicKey: release.ReceiverPublicKey,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/results/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Error("secure node pull failed",
			"event", "securenode_pull_failed",
			"module", "internal/platform/securenode",
			"layer", "platform",
			"resource_id", release.ResourceID,
			"error", err.Error(),
		)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("secure node returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.Logger.Info("secure node result pulled",
		"event", "securenode_pull_succeeded",
		"module", "internal/platform/securenode",
		"layer", "platform",
		"project_id", release.ProjectID,
		"resource_id", release.ResourceID,
		"requester", release.Requester,
	)
	return nil
}
