package mailing

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/mail-dispatch/internal/pkg/logger"
)

// SESTransport sends emails via AWS SES using the SDK v2.
type SESTransport struct {
	region string
	client *sesv2.Client
	log    *logger.Logger
}

// NewSESTransport creates an SES transport. Initializes the AWS SDK client
// if credentials are provided.
func NewSESTransport(accessKey, secretKey, region string) *SESTransport {
	if region == "" {
		region = "us-east-1"
	}

	t := &SESTransport{
		region: region,
		log:    logger.Component("ses"),
	}

	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			t.log.Warn("failed to initialize AWS config", "error", err)
		} else {
			t.client = sesv2.NewFromConfig(cfg)
		}
	}

	return t
}

// Send delivers a single email through AWS SES.
func (t *SESTransport) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if t.client == nil {
		return nil, ErrTransportNotConfigured
	}

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
	}

	if len(msg.CC) > 0 {
		input.Destination.CcAddresses = msg.CC
	}
	if len(msg.BCC) > 0 {
		input.Destination.BccAddresses = msg.BCC
	}
	if msg.HTMLContent != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")}
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return nil, &TransportError{Provider: "ses", Err: err}
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	t.log.Info("sent", "to", msg.To, "message_id", messageID)

	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// Verify checks SES connectivity and credentials.
func (t *SESTransport) Verify(ctx context.Context) error {
	if t.client == nil {
		return ErrTransportNotConfigured
	}
	if _, err := t.client.GetAccount(ctx, &sesv2.GetAccountInput{}); err != nil {
		return &TransportError{Provider: "ses", Err: err}
	}
	return nil
}
