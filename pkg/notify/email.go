package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/db"
)

// Mailer sends a plain text email. Implemented by gmailclient.Client.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Directory resolves a user id to an email address. ok is false when the
// user has no address on file.
type Directory interface {
	EmailFor(ctx context.Context, userID string) (email string, ok bool, err error)
}

// EmailSink sends notifications by email
type EmailSink struct {
	mailer    Mailer
	directory Directory
	logger    *zap.Logger
}

// NewEmailSink creates an EmailSink
func NewEmailSink(mailer Mailer, directory Directory, logger *zap.Logger) *EmailSink {
	return &EmailSink{mailer: mailer, directory: directory, logger: logger}
}

func (s *EmailSink) Notify(ctx context.Context, userID string, event model.Event) error {
	email, ok, err := s.directory.EmailFor(ctx, userID)
	if err != nil {
		return &apperr.DependencyError{Dependency: "notification directory", Err: err}
	}
	if !ok {
		s.logger.Debug("No email address for user, skipping notification",
			zap.String("user_id", userID), zap.String("event", string(event.Type)))
		return nil
	}

	subject, body := Message(event)
	if err := s.mailer.SendEmail(ctx, email, subject, body); err != nil {
		return &apperr.DependencyError{Dependency: "email", Err: err}
	}
	return nil
}

// DonorDirectory looks donors up in the store, falling back to a static table
// for requesters and staff
type DonorDirectory struct {
	Store  db.Reader
	Static map[string]string
}

func (d *DonorDirectory) EmailFor(ctx context.Context, userID string) (string, bool, error) {
	if email, ok := d.Static[userID]; ok {
		return email, email != "", nil
	}
	donor, err := d.Store.GetDonor(ctx, userID)
	var notFound *apperr.NotFoundError
	if errors.As(err, &notFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up donor: %w", err)
	}
	return donor.Email, donor.Email != "", nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
