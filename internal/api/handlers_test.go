package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-dispatch/internal/accounts"
	"github.com/ignite/mail-dispatch/internal/config"
	"github.com/ignite/mail-dispatch/internal/mailing"
	"github.com/ignite/mail-dispatch/internal/queue"
)

type stubTransport struct {
	mu   sync.Mutex
	sent []mailing.EmailMessage
	err  error
}

func (s *stubTransport) Send(_ context.Context, msg *mailing.EmailMessage) (*mailing.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, *msg)
	return &mailing.SendResult{MessageID: "stub-msg", SentAt: time.Now()}, nil
}

func (s *stubTransport) Verify(context.Context) error { return nil }

// setupAPI builds the router over a memory store with the dispatcher left
// stopped, so enqueued jobs stay waiting and assertions are deterministic.
func setupAPI(t *testing.T, st *stubTransport) (http.Handler, *queue.Queue) {
	t.Helper()
	store := queue.NewMemoryStore(100)
	pool := accounts.NewPool([]config.AccountConfig{
		{ID: "alpha", Address: "alpha@example.com", DailyLimit: 100},
	})
	q := queue.New(store, nil, 0)
	renderer := mailing.NewRenderer()
	h := NewHandlers(q, pool, st, renderer)
	return SetupRoutes(h, nil), q
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["backend_type"])
	assert.Equal(t, float64(1), body["accounts"])
}

func TestAddSingleJobEndpoint(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/jobs/single", map[string]interface{}{
		"message":  map[string]string{"to": "a@x.com", "subject": "hi"},
		"priority": 3,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	body := decodeBody(t, rr)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	st, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, st.State)
	assert.Equal(t, 3, st.Priority)
}

func TestAddSingleJobValidationError(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/jobs/single", map[string]interface{}{
		"message": map[string]string{"subject": "no recipient"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAddSingleJobMalformedBody(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	req := httptest.NewRequest(http.MethodPost, "/api/mailing/jobs/single", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAddBulkJobEndpoint(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/jobs/bulk", map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"email": "a@x.com", "data": map[string]string{"name": "Ada"}},
			{"email": "b@x.com"},
		},
		"template": map[string]string{"subject": "Hi {{ name }}"},
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["recipients"])
	assert.NotEmpty(t, body["id"])
}

func TestJobStatusEndpoint(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	j, err := q.AddSingle(context.Background(), queue.SinglePayload{
		Message: mailing.EmailMessage{To: "a@x.com", Subject: "hi"},
	}, queue.AddOptions{})
	require.NoError(t, err)

	rr := doJSON(t, router, http.MethodGet, "/api/mailing/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, j.ID, body["id"])
	assert.Equal(t, "waiting", body["state"])
}

func TestJobStatusNotFound(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodGet, "/api/mailing/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelJobEndpoint(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	j, err := q.AddSingle(context.Background(), queue.SinglePayload{
		Message: mailing.EmailMessage{To: "a@x.com", Subject: "hi"},
	}, queue.AddOptions{})
	require.NoError(t, err)

	rr := doJSON(t, router, http.MethodDelete, "/api/mailing/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	st, err := q.Status(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, st.State)

	// Cancelling again conflicts.
	rr = doJSON(t, router, http.MethodDelete, "/api/mailing/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	_, err := q.AddSingle(context.Background(), queue.SinglePayload{
		Message: mailing.EmailMessage{To: "a@x.com", Subject: "hi"},
	}, queue.AddOptions{})
	require.NoError(t, err)

	rr := doJSON(t, router, http.MethodGet, "/api/mailing/queue/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, float64(1), body["waiting"])
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, "memory", body["backend_type"])
}

func TestQueueCleanEndpoint(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/queue/clean", map[string]interface{}{
		"older_than_ms": 0,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/mailing/queue/clean", map[string]interface{}{
		"older_than_ms": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAccountStatusEndpoint(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodGet, "/api/mailing/accounts", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	accts, ok := body["accounts"].([]interface{})
	require.True(t, ok)
	require.Len(t, accts, 1)
	first := accts[0].(map[string]interface{})
	assert.Equal(t, "alpha", first["id"])
	assert.Equal(t, float64(100), first["daily_limit"])
}

func TestImmediateSendEndpoint(t *testing.T) {
	st := &stubTransport{}
	router, _ := setupAPI(t, st)

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/send", map[string]interface{}{
		"to":      "a@x.com",
		"subject": "Welcome {{ name }}",
		"template": "<p>Hello {{ name }}</p>",
		"data":    map[string]string{"name": "Ada"},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "stub-msg", body["message_id"])
	assert.Equal(t, "alpha", body["sender_account"])

	require.Len(t, st.sent, 1)
	assert.Equal(t, "alpha@example.com", st.sent[0].From)
	assert.Equal(t, "<p>Hello Ada</p>", st.sent[0].HTMLContent)
}

func TestImmediateSendTransportFailure(t *testing.T) {
	st := &stubTransport{err: errors.New("provider down")}
	router, _ := setupAPI(t, st)

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/send", map[string]interface{}{
		"to":      "a@x.com",
		"subject": "hi",
	})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestImmediateSendValidation(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/send", map[string]interface{}{
		"subject": "no recipient",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestValidateTemplateEndpoint(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/templates/validate", map[string]string{
		"template": "Hi {{ name }} from {{ company }}",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []interface{}{"company", "name"}, body["variables"])

	rr = doJSON(t, router, http.MethodPost, "/api/mailing/templates/validate", map[string]string{
		"template": "Hi {{ name",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["error"])
}

func TestPreviewTemplateEndpoint(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodPost, "/api/mailing/templates/preview", map[string]interface{}{
		"template": "Hello {{ name | default: \"Friend\" }}",
		"data":     map[string]string{},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "Hello Friend", body["output"])
}

func TestBulkCSVUpload(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "recipients.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("email,name,city\na@x.com,Ada,London\nb@x.com,Grace,NYC\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("subject", "Hi {{ name }}"))
	require.NoError(t, mw.WriteField("html", "<p>{{ city }}</p>"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/mailing/jobs/bulk/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["recipients"])

	id, _ := body["id"].(string)
	st, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.KindBulk, st.Kind)
}

func TestBulkCSVMissingEmailColumn(t *testing.T) {
	router, _ := setupAPI(t, &stubTransport{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "recipients.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("name,city\nAda,London\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("subject", "Hi"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/mailing/jobs/bulk/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListJobsEndpoint(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	for _, to := range []string{"a@x.com", "b@x.com"} {
		_, err := q.AddSingle(context.Background(), queue.SinglePayload{
			Message: mailing.EmailMessage{To: to, Subject: "hi"},
		}, queue.AddOptions{})
		require.NoError(t, err)
	}

	rr := doJSON(t, router, http.MethodGet, "/api/mailing/jobs/?state=waiting", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["count"])
	jobs, ok := body["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, jobs, 2)

	rr = doJSON(t, router, http.MethodGet, "/api/mailing/jobs/?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/mailing/jobs/", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueueErrorResponsesCarryCodes(t *testing.T) {
	router, q := setupAPI(t, &stubTransport{})

	rr := doJSON(t, router, http.MethodGet, "/api/mailing/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decodeBody(t, rr)["code"])

	rr = doJSON(t, router, http.MethodGet, "/api/mailing/jobs/?state=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, rr)["code"])

	j, err := q.AddSingle(context.Background(), queue.SinglePayload{
		Message: mailing.EmailMessage{To: "a@x.com", Subject: "hi"},
	}, queue.AddOptions{})
	require.NoError(t, err)

	rr = doJSON(t, router, http.MethodDelete, "/api/mailing/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodDelete, "/api/mailing/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "not_cancelable", decodeBody(t, rr)["code"])
}
