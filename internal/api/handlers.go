package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mail-dispatch/internal/accounts"
	"github.com/ignite/mail-dispatch/internal/mailing"
	"github.com/ignite/mail-dispatch/internal/pkg/httputil"
	"github.com/ignite/mail-dispatch/internal/pkg/logger"
	"github.com/ignite/mail-dispatch/internal/queue"
)

// Handlers contains all HTTP handlers for the dispatch API.
type Handlers struct {
	queue     *queue.Queue
	pool      *accounts.Pool
	transport mailing.Transport
	renderer  *mailing.Renderer
	log       *logger.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(q *queue.Queue, pool *accounts.Pool, transport mailing.Transport, renderer *mailing.Renderer) *Handlers {
	return &Handlers{
		queue:     q,
		pool:      pool,
		transport: transport,
		renderer:  renderer,
		log:       logger.Component("api"),
	}
}

// HealthCheck reports process liveness, the active queue backend, and the
// account pool size.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":       "ok",
		"backend_type": h.queue.BackendType(),
		"accounts":     h.pool.Size(),
		"paused":       h.queue.Paused(),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

// writeQueueError maps queue error taxonomy onto HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		httputil.ErrorWithCode(w, http.StatusBadRequest, err.Error(), "invalid_input")
	case errors.Is(err, queue.ErrNotFound):
		httputil.ErrorWithCode(w, http.StatusNotFound, "job not found", "not_found")
	case errors.Is(err, queue.ErrNotCancelable):
		httputil.ErrorWithCode(w, http.StatusConflict, err.Error(), "not_cancelable")
	case errors.Is(err, queue.ErrQueueUnavailable):
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, err.Error(), "queue_unavailable")
	default:
		httputil.ErrorWithCode(w, http.StatusInternalServerError, err.Error(), "internal")
	}
}

type singleJobRequest struct {
	Message     mailing.EmailMessage   `json:"message"`
	Template    string                 `json:"template,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
	DelayMS     int                    `json:"delay_ms,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty"`
}

// HandleAddSingleJob enqueues a single-email job.
func (h *Handlers) HandleAddSingleJob(w http.ResponseWriter, r *http.Request) {
	var req singleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	j, err := h.queue.AddSingle(r.Context(), queue.SinglePayload{
		Message:  req.Message,
		Template: req.Template,
		Data:     req.Data,
	}, queue.AddOptions{
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelayMS) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}

	httputil.Created(w, map[string]string{"id": j.ID})
}

type bulkJobRequest struct {
	Recipients  []queue.Recipient `json:"recipients"`
	Template    mailing.Template  `json:"template"`
	SenderName  string            `json:"sender_name,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

// HandleAddBulkJob enqueues a templated bulk job.
func (h *Handlers) HandleAddBulkJob(w http.ResponseWriter, r *http.Request) {
	var req bulkJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	j, err := h.queue.AddBulk(r.Context(), queue.BulkPayload{
		Recipients: req.Recipients,
		Template:   req.Template,
		SenderName: req.SenderName,
		ReplyTo:    req.ReplyTo,
	}, queue.AddOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}

	httputil.Created(w, map[string]interface{}{
		"id":         j.ID,
		"recipients": len(req.Recipients),
	})
}

// HandleListJobs returns all jobs in the state given by the ?state query
// parameter.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	state := queue.JobState(r.URL.Query().Get("state"))
	if state == "" {
		httputil.BadRequest(w, "state query parameter is required")
		return
	}

	jobs, err := h.queue.Jobs(r.Context(), state)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"state": state,
		"count": len(jobs),
		"jobs":  jobs,
	})
}

// HandleJobStatus returns the status read model for a job.
func (h *Handlers) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.queue.Status(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	httputil.OK(w, st)
}

// HandleCancelJob cancels a waiting job.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		writeQueueError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": id, "status": "cancelled"})
}

// HandleQueueStats returns per-state counts and the backend type.
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// HandlePauseQueue suspends dequeuing. Idempotent.
func (h *Handlers) HandlePauseQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	httputil.OK(w, map[string]bool{"paused": true})
}

// HandleResumeQueue resumes dequeuing. Idempotent.
func (h *Handlers) HandleResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	httputil.OK(w, map[string]bool{"paused": false})
}

type cleanRequest struct {
	OlderThanMS int64 `json:"older_than_ms"`
}

// HandleCleanQueue removes terminal history older than the cutoff.
func (h *Handlers) HandleCleanQueue(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.OlderThanMS < 0 {
		httputil.BadRequest(w, "older_than_ms must not be negative")
		return
	}

	res, err := h.queue.Clean(r.Context(), time.Duration(req.OlderThanMS)*time.Millisecond)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleAccountStatus returns the quota snapshot of every account.
func (h *Handlers) HandleAccountStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"accounts": h.pool.Snapshot(),
	})
}

type immediateSendRequest struct {
	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	HTML     string                 `json:"html,omitempty"`
	Text     string                 `json:"text,omitempty"`
	ReplyTo  string                 `json:"reply_to,omitempty"`
	Template string                 `json:"template,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// HandleImmediateSend sends synchronously on the request path, bypassing
// the queue entirely. It still draws an account from the pool and counts
// against the daily quota.
func (h *Handlers) HandleImmediateSend(w http.ResponseWriter, r *http.Request) {
	var req immediateSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.To == "" || req.Subject == "" {
		httputil.BadRequest(w, "to and subject are required")
		return
	}

	htmlBody := req.HTML
	if req.Template != "" {
		rendered, err := h.renderer.Render(req.Template, req.Data)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		htmlBody = rendered
	}

	sel, err := h.pool.Next()
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrNoAccounts):
			httputil.ServiceUnavailable(w, err.Error())
		case errors.Is(err, accounts.ErrQuotaExhausted):
			httputil.Error(w, http.StatusTooManyRequests, err.Error())
		default:
			httputil.InternalError(w, err.Error())
		}
		return
	}

	msg := &mailing.EmailMessage{
		From:        sel.Address,
		To:          req.To,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		HTMLContent: htmlBody,
		TextContent: req.Text,
	}

	res, err := h.transport.Send(r.Context(), msg)
	if err != nil {
		if relErr := h.pool.Release(sel.ID); relErr != nil {
			h.log.Warn("failed to release quota slot", "account", sel.ID, "error", relErr)
		}
		h.log.Error("immediate send failed", "to", req.To, "error", err)
		httputil.JSON(w, http.StatusBadGateway, httputil.ErrorResponse{Error: err.Error()})
		return
	}

	httputil.OK(w, map[string]interface{}{
		"message_id":     res.MessageID,
		"recipient":      req.To,
		"sender_account": sel.ID,
		"timestamp":      res.SentAt,
	})
}

type templateRequest struct {
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// HandleValidateTemplate reports whether a template parses and which
// variables it references.
func (h *Handlers) HandleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	res := h.renderer.Validate(req.Template)
	httputil.OK(w, map[string]interface{}{
		"valid":     res.Valid,
		"error":     res.Error,
		"variables": h.renderer.ExtractVariables(req.Template),
	})
}

// HandlePreviewTemplate renders a template with sample data.
func (h *Handlers) HandlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	out, err := h.renderer.Render(req.Template, req.Data)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"output": out})
}
