package mailing

import "time"

// EmailMessage is one fully rendered outbound message. From is filled in
// at dispatch time from the selected account.
type EmailMessage struct {
	From        string            `json:"from"`
	FromName    string            `json:"from_name,omitempty"`
	To          string            `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html,omitempty"`
	TextContent string            `json:"text,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is the outcome of a transport send.
type SendResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Template is the personalizable content of a bulk send. Subject and
// bodies may contain Liquid expressions resolved per recipient.
type Template struct {
	Subject     string `json:"subject"`
	HTMLContent string `json:"html,omitempty"`
	TextContent string `json:"text,omitempty"`
}
