package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/mail-dispatch/internal/pkg/httpretry"
	"github.com/ignite/mail-dispatch/internal/pkg/logger"
)

// SparkPostTransport sends emails through the SparkPost transmissions API.
// Transient API failures are retried by the underlying httpretry client.
type SparkPostTransport struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
	log     *logger.Logger
}

// NewSparkPostTransport creates a SparkPost transport.
func NewSparkPostTransport(apiKey, baseURL string, timeout time.Duration) *SparkPostTransport {
	if baseURL == "" {
		baseURL = "https://api.sparkpost.com/api/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SparkPostTransport{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
		log:     logger.Component("sparkpost"),
	}
}

type spResponse struct {
	Results struct {
		TotalAcceptedRecipients int    `json:"total_accepted_recipients"`
		ID                      string `json:"id"`
	} `json:"results"`
	Errors []struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"errors"`
}

// Send delivers a single email via a SparkPost transmission.
func (t *SparkPostTransport) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if t.apiKey == "" {
		return nil, ErrTransportNotConfigured
	}

	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To}},
		},
		"content": map[string]interface{}{
			"from": map[string]string{
				"email": msg.From,
				"name":  msg.FromName,
			},
			"subject": msg.Subject,
			"html":    msg.HTMLContent,
			"text":    msg.TextContent,
		},
		"options": map[string]interface{}{
			"open_tracking":  false,
			"click_tracking": false,
		},
	}
	if msg.ReplyTo != "" {
		transmission["content"].(map[string]interface{})["reply_to"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		transmission["content"].(map[string]interface{})["headers"] = msg.Headers
	}

	body, _ := json.Marshal(transmission)
	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/transmissions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: "sparkpost", Err: err}
	}
	defer resp.Body.Close()

	var spResp spResponse
	json.NewDecoder(resp.Body).Decode(&spResp)

	if resp.StatusCode != http.StatusOK || len(spResp.Errors) > 0 {
		errMsg := fmt.Sprintf("status %d", resp.StatusCode)
		if len(spResp.Errors) > 0 {
			errMsg = spResp.Errors[0].Message
		}
		return nil, &TransportError{Provider: "sparkpost", Err: fmt.Errorf("%s", errMsg)}
	}

	t.log.Info("sent", "to", msg.To, "message_id", spResp.Results.ID)

	return &SendResult{MessageID: spResp.Results.ID, SentAt: time.Now()}, nil
}

// Verify checks SparkPost API reachability and credentials.
func (t *SparkPostTransport) Verify(ctx context.Context) error {
	if t.apiKey == "" {
		return ErrTransportNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, "GET", t.baseURL+"/account", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Provider: "sparkpost", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Provider: "sparkpost", Err: fmt.Errorf("account check returned status %d", resp.StatusCode)}
	}
	return nil
}
