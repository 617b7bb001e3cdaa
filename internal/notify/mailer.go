// Package notify envoie les e-mails liés aux demandes EC.
package notify

import (
	"context"
	"sync"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"pointapp_back_end/internal/config"
)

// Mailer envoie un message HTML
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type SMTPMailer struct {
	cfg config.SMTPConfig
	log *zap.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, log *zap.Logger) *SMTPMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPMailer{cfg: cfg, log: log}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return err
	}

	m.log.Info("📤 Envoi de l'e-mail", zap.String("to", to), zap.String("subject", subject))
	return client.DialAndSendWithContext(ctx, msg)
}

// NopMailer ignore les envois (SMTP non configuré)
type NopMailer struct{}

func (NopMailer) Send(context.Context, string, string, string) error { return nil }

// Sent est un message capturé par RecordingMailer
type Sent struct {
	To      string
	Subject string
	Body    string
}

type RecordingMailer struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *RecordingMailer) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{To: to, Subject: subject, Body: body})
	return nil
}

func (r *RecordingMailer) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}
