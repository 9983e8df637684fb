package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// Message tags set on every SES send. SES echoes them in its event
// notifications, which is how the tracking consumer maps events back to
// the enrollment step.
const (
	TagEnrollmentID = "enrollment_id"
	TagSequenceID   = "sequence_id"
	TagContactID    = "contact_id"
	TagStepOrder    = "step_order"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES sender.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
	DefaultFromName  string
	DefaultFromEmail string
}

// SESSender sends email steps through AWS SES.
type SESSender struct {
	client SESAPI
	cfg    SESConfig
}

// NewSESSender builds an SES client. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewSESSenderWithClient wraps an existing client.
func NewSESSenderWithClient(client SESAPI, cfg SESConfig) *SESSender {
	return &SESSender{client: client, cfg: cfg}
}

// Send delivers one email. SES rejections of the message itself come back
// as a non-accepted result; everything else is a transport error.
func (s *SESSender) Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	fromName, fromEmail := msg.FromName, msg.FromAddress
	if fromEmail == "" {
		fromName, fromEmail = s.cfg.DefaultFromName, s.cfg.DefaultFromEmail
	}
	if fromEmail == "" {
		return &domain.SendResult{Accepted: false, Reason: "no from address configured", SentAt: time.Now().UTC()}, nil
	}
	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromEmail)
	}

	body := &types.Body{}
	content := &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")}
	if looksLikeHTML(msg.Body) {
		body.Html = content
	} else {
		body.Text = content
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(TagEnrollmentID), Value: aws.String(tagValue(msg.EnrollmentID))},
			{Name: aws.String(TagSequenceID), Value: aws.String(tagValue(msg.SequenceID))},
			{Name: aws.String(TagContactID), Value: aws.String(tagValue(msg.ContactID))},
			{Name: aws.String(TagStepOrder), Value: aws.String(strconv.Itoa(msg.StepOrder))},
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	now := time.Now().UTC()
	if err != nil {
		if reason, rejected := sesRejection(err); rejected {
			logger.Warn("ses rejected message", "to", msg.To, "enrollment_id", msg.EnrollmentID, "reason", reason)
			return &domain.SendResult{Accepted: false, Reason: reason, SentAt: now}, nil
		}
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	logger.Info("ses sent", "to", msg.To, "message_id", messageID, "enrollment_id", msg.EnrollmentID)
	return &domain.SendResult{Accepted: true, MessageID: messageID, SentAt: now}, nil
}

// sesRejection classifies errors that mean "this message will never be
// accepted" as opposed to a transient failure.
func sesRejection(err error) (string, bool) {
	var (
		rejected   *types.MessageRejected
		badRequest *types.BadRequestException
		notVerify  *types.MailFromDomainNotVerifiedException
	)
	switch {
	case errors.As(err, &rejected):
		return "rejected: " + rejected.ErrorMessage(), true
	case errors.As(err, &badRequest):
		return "bad request: " + badRequest.ErrorMessage(), true
	case errors.As(err, &notVerify):
		return "mail-from domain not verified: " + notVerify.ErrorMessage(), true
	}
	return "", false
}

// SES tag values allow only ASCII letters, digits, '_', '-', '.' and '@'.
func tagValue(v string) string {
	if v == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.', r == '@':
			return r
		}
		return '_'
	}, v)
}

func looksLikeHTML(s string) bool {
	t := strings.ToLower(s)
	return strings.Contains(t, "<html") || strings.Contains(t, "<p") ||
		strings.Contains(t, "<br") || strings.Contains(t, "<div") || strings.Contains(t, "<a ")
}
