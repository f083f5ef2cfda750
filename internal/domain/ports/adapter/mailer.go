package adapter

import "context"

// Mailer hands an email to the external delivery service. Templates are
// rendered on the other side; data is passed through as-is.
type Mailer interface {
	SendEmail(ctx context.Context, recipients []string, subject, template string, data map[string]any) error
}
