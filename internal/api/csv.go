package api

import (
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ignite/mail-dispatch/internal/mailing"
	"github.com/ignite/mail-dispatch/internal/pkg/httputil"
	"github.com/ignite/mail-dispatch/internal/queue"
)

const maxCSVUploadBytes = 32 << 20 // 32MB

// parseRecipientCSV reads a recipient list from CSV. The header row must
// contain an "email" column; every other column becomes a data variable
// keyed by the header name.
func parseRecipientCSV(r io.Reader) ([]queue.Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, err
	}

	emailCol := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "email") {
			emailCol = i
			break
		}
	}
	if emailCol == -1 {
		return nil, errMissingEmailColumn
	}

	var recipients []queue.Recipient
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		email := strings.TrimSpace(record[emailCol])
		if email == "" {
			continue
		}

		rcpt := queue.Recipient{Email: email}
		for i, value := range record {
			if i == emailCol || i >= len(header) {
				continue
			}
			key := strings.TrimSpace(header[i])
			if key == "" {
				continue
			}
			if rcpt.Data == nil {
				rcpt.Data = make(map[string]interface{})
			}
			rcpt.Data[key] = value
		}
		recipients = append(recipients, rcpt)
	}

	return recipients, nil
}

var errMissingEmailColumn = &csvFormatError{msg: "CSV header must contain an 'email' column"}

type csvFormatError struct{ msg string }

func (e *csvFormatError) Error() string { return e.msg }

// HandleAddBulkCSV enqueues a bulk job from a multipart CSV upload. Template
// content and send options arrive as form fields alongside the file.
func (h *Handlers) HandleAddBulkCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxCSVUploadBytes); err != nil {
		httputil.BadRequest(w, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "missing 'file' upload")
		return
	}
	defer file.Close()

	recipients, err := parseRecipientCSV(file)
	if err != nil {
		httputil.BadRequest(w, "failed to parse CSV: "+err.Error())
		return
	}

	priority := 0
	if raw := r.FormValue("priority"); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil {
			httputil.BadRequest(w, "priority must be an integer")
			return
		}
	}

	j, err := h.queue.AddBulk(r.Context(), queue.BulkPayload{
		Recipients: recipients,
		Template: mailing.Template{
			Subject:     r.FormValue("subject"),
			HTMLContent: r.FormValue("html"),
			TextContent: r.FormValue("text"),
		},
		SenderName: r.FormValue("sender_name"),
		ReplyTo:    r.FormValue("reply_to"),
	}, queue.AddOptions{Priority: priority})
	if err != nil {
		writeQueueError(w, err)
		return
	}

	httputil.Created(w, map[string]interface{}{
		"id":         j.ID,
		"recipients": len(recipients),
	})
}
