package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

// NotifyService delivers security notices to account holders. Notices are
// best-effort: callers log delivery failures but never fail the triggering
// operation on them.
type NotifyService interface {
	SendLockoutNotice(ctx context.Context, email string, lockedUntil time.Time) error
	SendImpersonationNotice(ctx context.Context, email string, startedAt time.Time) error
	SendRecoveryCodesLowNotice(ctx context.Context, email string, remaining int) error
}

// AWSSESNotifyService sends security notices using AWS SES
type AWSSESNotifyService struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESNotifyService creates a new AWS SES notify service
func NewAWSSESNotifyService(region, fromAddress string, logger *slog.Logger) (*AWSSESNotifyService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifyService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// SendLockoutNotice tells the account holder their account was locked after
// repeated failed sign-in attempts.
func (s *AWSSESNotifyService) SendLockoutNotice(ctx context.Context, email string, lockedUntil time.Time) error {
	body := fmt.Sprintf(`Your account has been temporarily locked.

We detected repeated failed sign-in attempts on your account, so sign-in is
blocked until %s (UTC).

If this was you, please wait and try again after that time. If you did not
attempt to sign in, we recommend changing your password once the lock expires.

This is an automated security message. Please do not reply to this email.
`, lockedUntil.UTC().Format(time.RFC1123))

	return s.send(ctx, email, "Your account has been temporarily locked", body)
}

// SendImpersonationNotice tells the account holder an administrator accessed
// their account.
func (s *AWSSESNotifyService) SendImpersonationNotice(ctx context.Context, email string, startedAt time.Time) error {
	body := fmt.Sprintf(`An administrator accessed your account.

For support purposes, a member of our staff signed in to your account at %s
(UTC). All actions taken during the session are recorded.

If you have questions about this access, please contact our support team.

This is an automated security message. Please do not reply to this email.
`, startedAt.UTC().Format(time.RFC1123))

	return s.send(ctx, email, "An administrator accessed your account", body)
}

// SendRecoveryCodesLowNotice warns the account holder they are running out of
// two-factor recovery codes.
func (s *AWSSESNotifyService) SendRecoveryCodesLowNotice(ctx context.Context, email string, remaining int) error {
	body := fmt.Sprintf(`You are running low on recovery codes.

You have %d unused two-factor recovery codes left. If you run out and lose
access to your authenticator app, you will be locked out of your account.

Please sign in and generate a new set of recovery codes.

This is an automated security message. Please do not reply to this email.
`, remaining)

	return s.send(ctx, email, "You are running low on recovery codes", body)
}

func (s *AWSSESNotifyService) send(ctx context.Context, email, subject, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security notice via SES",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.String("subject", subject),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security notice sent",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("subject", subject),
		slog.String("message_id", *result.MessageId))

	return nil
}
