package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookDeployer invokes the external deploy action over HTTP. The endpoint
// receives the DeployRequest as JSON and answers with a DeployReceipt; any
// non-2xx status fails the deploy.
type WebhookDeployer struct {
	url    string
	client *http.Client
}

// NewWebhookDeployer builds a deployer for the given endpoint.
func NewWebhookDeployer(url string, timeout time.Duration) *WebhookDeployer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebhookDeployer{url: url, client: &http.Client{Timeout: timeout}}
}

func (d *WebhookDeployer) Deploy(ctx context.Context, req DeployRequest) (DeployReceipt, error) {
	var receipt DeployReceipt
	body, err := postJSON(ctx, d.client, d.url, req)
	if err != nil {
		return receipt, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &receipt); err != nil {
			return receipt, fmt.Errorf("decode deploy receipt: %w", err)
		}
	}
	if receipt.ArtifactID == "" {
		receipt.ArtifactID = req.SessionID
	}
	return receipt, nil
}

// WebhookRollbacker invokes the external rollback action over HTTP.
type WebhookRollbacker struct {
	url    string
	client *http.Client
}

// NewWebhookRollbacker builds a rollbacker for the given endpoint.
func NewWebhookRollbacker(url string, timeout time.Duration) *WebhookRollbacker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebhookRollbacker{url: url, client: &http.Client{Timeout: timeout}}
}

func (r *WebhookRollbacker) Rollback(ctx context.Context, req RollbackRequest) error {
	_, err := postJSON(ctx, r.client, r.url, req)
	return err
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode action payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("action endpoint returned %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
