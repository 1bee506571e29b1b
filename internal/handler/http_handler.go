package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
	"github.com/pesio-ai/be-approval-engine/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals  *service.ApprovalService
	executions *service.ExecutionService
	statistics *service.StatisticsService
	log        zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals *service.ApprovalService, executions *service.ExecutionService, statistics *service.StatisticsService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals:  approvals,
		executions: executions,
		statistics: statistics,
		log:        log,
	}
}

// RegisterRoutes mounts all workflow endpoints on the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.CreateWorkflow)
	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/list", h.ListWorkflows)
	mux.HandleFunc("/api/v1/workflows/pending", h.GetPendingApprovals)
	mux.HandleFunc("/api/v1/workflows/decide", h.SubmitApproval)
	mux.HandleFunc("/api/v1/workflows/cancel", h.CancelWorkflow)
	mux.HandleFunc("/api/v1/workflows/execute", h.ExecuteWorkflow)
	mux.HandleFunc("/api/v1/workflows/audit", h.GetAuditHistory)
	mux.HandleFunc("/api/v1/workflows/check", h.CheckRequiresApproval)
	mux.HandleFunc("/api/v1/templates", h.UpsertTemplate)
	mux.HandleFunc("/api/v1/templates/get", h.GetTemplate)
	mux.HandleFunc("/api/v1/templates/list", h.ListTemplates)
	mux.HandleFunc("/api/v1/statistics", h.GetStatistics)
}

// CreateWorkflow handles create workflow HTTP requests
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OperationType string         `json:"operation_type"`
		EntityType    string         `json:"entity_type"`
		EntityID      string         `json:"entity_id"`
		OperationData map[string]any `json:"operation_data"`
		RequesterID   string         `json:"requester_id"`
		OrgID         string         `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	wf, err := h.approvals.CreateWorkflow(r.Context(), &service.CreateWorkflowRequest{
		OperationType: req.OperationType,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		OperationData: req.OperationData,
		RequesterID:   req.RequesterID,
		OrgID:         req.OrgID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow handles get workflow HTTP requests
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	wf, err := h.approvals.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// ListWorkflows handles list workflows HTTP requests
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		http.Error(w, "Org ID is required", http.StatusBadRequest)
		return
	}

	filter := repository.WorkflowFilter{
		OrgID:         orgID,
		OperationType: r.URL.Query().Get("operation_type"),
		RequesterID:   r.URL.Query().Get("requester_id"),
	}
	for _, raw := range r.URL.Query()["state"] {
		state := repository.WorkflowState(raw)
		if !state.IsValid() {
			http.Error(w, "Invalid state filter", http.StatusBadRequest)
			return
		}
		filter.States = append(filter.States, state)
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	workflows, err := h.approvals.GetWorkflows(r.Context(), filter, repository.Page{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"page":      page,
		"pageSize":  pageSize,
	})
}

// GetPendingApprovals handles pending approvals HTTP requests
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	orgID := r.URL.Query().Get("org_id")
	if userID == "" || orgID == "" {
		http.Error(w, "User ID and Org ID are required", http.StatusBadRequest)
		return
	}

	workflows, err := h.approvals.GetPendingApprovals(r.Context(), userID, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// SubmitApproval handles decision HTTP requests
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		WorkflowID      string  `json:"workflow_id"`
		ApproverID      string  `json:"approver_id"`
		Decision        string  `json:"decision"`
		Comment         *string `json:"comment"`
		ExpectedVersion int64   `json:"expected_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// TODO: Get approver ID from JWT token once PLT-1 (Identity/Authentication) is implemented
	ip := clientIP(r)
	ua := r.UserAgent()
	submit := &service.SubmitApprovalRequest{
		WorkflowID:      req.WorkflowID,
		ApproverID:      req.ApproverID,
		Decision:        repository.Decision(req.Decision),
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
	}
	if ip != "" {
		submit.IPAddress = &ip
	}
	if ua != "" {
		submit.UserAgent = &ua
	}

	wf, err := h.approvals.SubmitApproval(r.Context(), submit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// CancelWorkflow handles cancel workflow HTTP requests
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		WorkflowID string `json:"workflow_id"`
		UserID     string `json:"user_id"`
		Reason     string `json:"reason"`
		Elevated   bool   `json:"elevated"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// TODO: Resolve Elevated from the caller's role once PLT-1 (Identity/Authentication) is implemented
	wf, err := h.approvals.CancelWorkflow(r.Context(), &service.CancelWorkflowRequest{
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		Reason:     req.Reason,
		Elevated:   req.Elevated,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// ExecuteWorkflow handles execute workflow HTTP requests
func (h *HTTPHandler) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		WorkflowID string `json:"workflow_id"`
		ExecutorID string `json:"executor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	wf, err := h.executions.ExecuteApprovedWorkflow(r.Context(), req.WorkflowID, req.ExecutorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// GetAuditHistory handles audit history HTTP requests
func (h *HTTPHandler) GetAuditHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.approvals.GetWorkflowAuditHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// CheckRequiresApproval handles admission check HTTP requests
func (h *HTTPHandler) CheckRequiresApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OperationType string         `json:"operation_type"`
		OrgID         string         `json:"org_id"`
		OperationData map[string]any `json:"operation_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	required, err := h.approvals.RequiresApproval(r.Context(), req.OperationType, req.OrgID, req.OperationData)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"requires_approval": required})
}

// UpsertTemplate handles template upsert HTTP requests
func (h *HTTPHandler) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OperationType      string                      `json:"operation_type"`
		OrgID              string                      `json:"org_id"`
		Tiers              []repository.TemplateTier   `json:"tiers"`
		EscalationRules    []repository.EscalationRule `json:"escalation_rules"`
		ExpirationSecs     int64                       `json:"expiration_secs"`
		AutoRejectOnExpiry bool                        `json:"auto_reject_on_expiry"`
		RejectIsTerminal   bool                        `json:"reject_is_terminal"`
		MinAmount          *int64                      `json:"min_amount"`
		MaxAmount          *int64                      `json:"max_amount"`
		IsActive           bool                        `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tpl := &repository.ApprovalWorkflowTemplate{
		OperationType:      req.OperationType,
		OrgID:              req.OrgID,
		Tiers:              req.Tiers,
		EscalationRules:    req.EscalationRules,
		ExpirationDuration: time.Duration(req.ExpirationSecs) * time.Second,
		AutoRejectOnExpiry: req.AutoRejectOnExpiry,
		RejectIsTerminal:   req.RejectIsTerminal,
		MinAmount:          req.MinAmount,
		MaxAmount:          req.MaxAmount,
		IsActive:           req.IsActive,
	}
	if err := h.approvals.UpsertWorkflowTemplate(r.Context(), tpl); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	operationType := r.URL.Query().Get("operation_type")
	orgID := r.URL.Query().Get("org_id")
	if operationType == "" || orgID == "" {
		http.Error(w, "Operation type and Org ID are required", http.StatusBadRequest)
		return
	}

	tpl, err := h.approvals.GetWorkflowTemplate(r.Context(), operationType, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// ListTemplates handles list templates HTTP requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		http.Error(w, "Org ID is required", http.StatusBadRequest)
		return
	}

	templates, err := h.approvals.ListWorkflowTemplates(r.Context(), orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// GetStatistics handles statistics HTTP requests
func (h *HTTPHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		http.Error(w, "Org ID is required", http.StatusBadRequest)
		return
	}

	// Defaults to the trailing 30 days.
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = parsed
	}

	stats, err := h.statistics.GetWorkflowStatistics(r.Context(), orgID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := statusForCode(errors.CodeOf(err))
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.CodeOf(err)),
		"error": err.Error(),
	})
}

func statusForCode(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeConcurrency, errors.ErrCodeDuplicateDecision, errors.ErrCodeInvalidState:
		return http.StatusConflict
	case errors.ErrCodeUnsupportedOperation,
		errors.ErrCodeExecutorValidation,
		errors.ErrCodeExecutorExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
