package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/repository"
	"github.com/pesio-ai/be-approval-engine/internal/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	log := zerolog.Nop()

	approvals := service.NewApprovalService(store, store, store, nil, nil, log)
	executions := service.NewExecutionService(store, nil, log)
	statistics := service.NewStatisticsService(store, log)

	mux := http.NewServeMux()
	NewHTTPHandler(approvals, executions, statistics, log).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &repository.ApprovalWorkflowTemplate{
		ID:            "tpl-1",
		OperationType: "pricing_rule.delete",
		OrgID:         "org-1",
		Tiers: []repository.TemplateTier{
			{EligibleApprovers: []string{"alice", "bob"}, RequiredCount: 1},
		},
		ExpirationDuration: time.Hour,
		RejectIsTerminal:   true,
		IsActive:           true,
	}))

	// Create
	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
		"operation_type": "pricing_rule.delete",
		"entity_type":    "pricing_rule",
		"entity_id":      "rule-42",
		"requester_id":   "dave",
		"org_id":         "org-1",
		"operation_data": map[string]any{"amount": 125000},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var wf repository.ApprovalWorkflow
	decodeBody(t, resp, &wf)
	assert.Equal(t, repository.StatePending, wf.State)
	assert.Equal(t, int64(1), wf.Version)

	// Pending queue for an eligible approver
	resp2, err := http.Get(srv.URL + "/api/v1/workflows/pending?user_id=alice&org_id=org-1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var pending struct {
		Workflows []repository.ApprovalWorkflow `json:"workflows"`
	}
	decodeBody(t, resp2, &pending)
	require.Len(t, pending.Workflows, 1)
	assert.Equal(t, wf.ID, pending.Workflows[0].ID)

	// Approve
	resp3 := postJSON(t, srv.URL+"/api/v1/workflows/decide", map[string]any{
		"workflow_id":      wf.ID,
		"approver_id":      "alice",
		"decision":         "approve",
		"expected_version": 1,
	})
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var approved repository.ApprovalWorkflow
	decodeBody(t, resp3, &approved)
	assert.Equal(t, repository.StateApproved, approved.State)
	require.Len(t, approved.Decisions, 1)
	require.NotNil(t, approved.Decisions[0].IPAddress)

	// Audit history
	resp4, err := http.Get(srv.URL + "/api/v1/workflows/audit?id=" + wf.ID)
	require.NoError(t, err)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusOK, resp4.StatusCode)

	var audit struct {
		Entries []repository.AuditEntry `json:"entries"`
	}
	decodeBody(t, resp4, &audit)
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, repository.AuditCreated, audit.Entries[0].Action)
	assert.Equal(t, repository.AuditApproved, audit.Entries[1].Action)
}

func TestErrorStatusMapping(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &repository.ApprovalWorkflowTemplate{
		ID:            "tpl-1",
		OperationType: "pricing_rule.delete",
		OrgID:         "org-1",
		Tiers: []repository.TemplateTier{
			{EligibleApprovers: []string{"alice"}, RequiredCount: 1},
		},
		IsActive: true,
	}))

	t.Run("unknown workflow is 404", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/workflows/get?id=nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body map[string]string
		decodeBody(t, resp, &body)
		assert.Equal(t, "NOT_FOUND", body["code"])
	})

	t.Run("ineligible approver is 403", func(t *testing.T) {
		created := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
			"operation_type": "pricing_rule.delete",
			"requester_id":   "dave",
			"org_id":         "org-1",
		})
		require.Equal(t, http.StatusCreated, created.StatusCode)
		var wf repository.ApprovalWorkflow
		decodeBody(t, created, &wf)

		resp := postJSON(t, srv.URL+"/api/v1/workflows/decide", map[string]any{
			"workflow_id":      wf.ID,
			"approver_id":      "mallory",
			"decision":         "approve",
			"expected_version": 1,
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("stale version is 409", func(t *testing.T) {
		created := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
			"operation_type": "pricing_rule.delete",
			"requester_id":   "dave",
			"org_id":         "org-1",
		})
		require.Equal(t, http.StatusCreated, created.StatusCode)
		var wf repository.ApprovalWorkflow
		decodeBody(t, created, &wf)

		resp := postJSON(t, srv.URL+"/api/v1/workflows/decide", map[string]any{
			"workflow_id":      wf.ID,
			"approver_id":      "alice",
			"decision":         "approve",
			"expected_version": 7,
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("executing a pending workflow is 409", func(t *testing.T) {
		created := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{
			"operation_type": "pricing_rule.delete",
			"requester_id":   "dave",
			"org_id":         "org-1",
		})
		require.Equal(t, http.StatusCreated, created.StatusCode)
		var wf repository.ApprovalWorkflow
		decodeBody(t, created, &wf)

		resp := postJSON(t, srv.URL+"/api/v1/workflows/execute", map[string]any{
			"workflow_id": wf.ID,
			"executor_id": "executor-1",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("invalid decision is 400", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/workflows/decide", map[string]any{
			"workflow_id":      "whatever",
			"approver_id":      "alice",
			"decision":         "maybe",
			"expected_version": 1,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wrong method is 405", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/workflows/decide")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
