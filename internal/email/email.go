// Package email sends transactional mail: verification links and
// organization invitations.
package email

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"mcpgate/internal/config"
)

// Message is one outbound email
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers transactional email
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// New selects a sender from configuration
func New(ctx context.Context, cfg *config.EmailConfig, logger *slog.Logger) (Sender, error) {
	switch cfg.Provider {
	case "ses":
		return NewSESSender(ctx, cfg)
	case "log":
		return &LogSender{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// =============================================================================
// SES
// =============================================================================

// SESSender delivers through Amazon SES
type SESSender struct {
	client *sesv2.Client
	from   string
}

// NewSESSender builds an SES client. Static credentials come from config;
// when absent the default AWS credential chain applies.
func NewSESSender(ctx context.Context, cfg *config.EmailConfig) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &SESSender{
		client: sesv2.NewFromConfig(awsCfg),
		from:   cfg.From,
	}, nil
}

// Send delivers one message
func (s *SESSender) Send(ctx context.Context, msg Message) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sending email via ses: %w", err)
	}
	return nil
}

// =============================================================================
// Log
// =============================================================================

// LogSender writes messages to the log instead of delivering them.
// Development and tests.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email (not sent)",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.HTML)
	return nil
}

// =============================================================================
// Templates
// =============================================================================

// VerificationEmail renders the email-verification message
func VerificationEmail(to, verifyURL string) Message {
	return Message{
		To:      to,
		Subject: "Verify your email address",
		HTML: fmt.Sprintf(
			`<p>Welcome! Please confirm your email address by clicking the link below.</p>
<p><a href="%s">Verify email</a></p>
<p>The link expires in 24 hours. If you did not create an account, ignore this message.</p>`,
			html.EscapeString(verifyURL)),
	}
}

// InvitationEmail renders the organization-invitation message
func InvitationEmail(to, orgName, acceptURL string) Message {
	return Message{
		To:      to,
		Subject: fmt.Sprintf("You have been invited to join %s", orgName),
		HTML: fmt.Sprintf(
			`<p>You have been invited to join <b>%s</b>.</p>
<p><a href="%s">Accept invitation</a></p>
<p>If you were not expecting this invitation, ignore this message.</p>`,
			html.EscapeString(orgName), html.EscapeString(acceptURL)),
	}
}
