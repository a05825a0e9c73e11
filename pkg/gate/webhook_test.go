package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookDeployerRoundTrip(t *testing.T) {
	var got DeployRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(DeployReceipt{ArtifactID: "build-991"})
	}))
	defer srv.Close()

	d := NewWebhookDeployer(srv.URL, time.Second)
	receipt, err := d.Deploy(context.Background(), DeployRequest{
		SessionID:    "s-1",
		Environment:  "staging",
		Applications: []string{"billing-api"},
		Version:      "1.4.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "build-991", receipt.ArtifactID)
	assert.Equal(t, "staging", got.Environment)
	assert.Equal(t, "1.4.0", got.Version)
}

func TestWebhookDeployerRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no capacity", http.StatusConflict)
	}))
	defer srv.Close()

	d := NewWebhookDeployer(srv.URL, time.Second)
	_, err := d.Deploy(context.Background(), DeployRequest{SessionID: "s-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestWebhookRollbackerPostsReason(t *testing.T) {
	var got RollbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rb := NewWebhookRollbacker(srv.URL, time.Second)
	err := rb.Rollback(context.Background(), RollbackRequest{
		SessionID:   "s-2",
		Reason:      "error_rate regression",
		InitiatedBy: "crucible-gate",
	})
	require.NoError(t, err)
	assert.Equal(t, "error_rate regression", got.Reason)
}
