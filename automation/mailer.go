package automation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
	"dealflow/logging"
	"dealflow/outbox"
)

type Recipient struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Language string `json:"language"`
}

// Mailer hands an email to whatever delivers it.
type Mailer interface {
	Send(ctx context.Context, tpl MailTemplate, to Recipient, data map[string]any) error
}

// LogMailer only logs; it is the default when no delivery is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{logger: logging.WithModule("mailer")}
}

func (m *LogMailer) Send(ctx context.Context, tpl MailTemplate, to Recipient, data map[string]any) error {
	m.logger.InfoContext(ctx, "email",
		"template", tpl.Ref,
		"to", to.Email,
		"language", to.Language,
		"subject", tpl.SubjectFor(to.Language, data),
	)
	return nil
}

const EmailRequestedTopic = "email.requested"

type emailRequest struct {
	Template string         `json:"template"`
	Subject  string         `json:"subject"`
	To       Recipient      `json:"to"`
	Data     map[string]any `json:"data"`
}

// OutboxMailer records an email.requested outbox row that an external sender
// consumes from the event bus.
type OutboxMailer struct {
	pool   db.TxBeginner
	writer outbox.Writer
}

func NewOutboxMailer(pool db.TxBeginner, writer outbox.Writer) *OutboxMailer {
	return &OutboxMailer{pool: pool, writer: writer}
}

func (m *OutboxMailer) Send(ctx context.Context, tpl MailTemplate, to Recipient, data map[string]any) error {
	req := emailRequest{
		Template: tpl.Ref,
		Subject:  tpl.SubjectFor(to.Language, data),
		To:       to,
		Data:     data,
	}
	err := db.InTx(ctx, m.pool, func(tx pgx.Tx) error {
		return m.writer.Enqueue(ctx, tx, EmailRequestedTopic, req)
	})
	if err != nil {
		return fmt.Errorf("automation: queue email: %w", err)
	}
	return nil
}
