package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"artcenter/internal/queue"
)

// Message is one plain-text email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ConsoleSender writes messages to the log instead of delivering them.
type ConsoleSender struct {
	log *slog.Logger
}

// NewConsoleSender creates a sender for development.
func NewConsoleSender(log *slog.Logger) *ConsoleSender {
	if log == nil {
		log = slog.Default()
	}
	return &ConsoleSender{log: log}
}

func (s *ConsoleSender) Send(_ context.Context, msg Message) error {
	s.log.Info("mail", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}

// NewSender returns the sendgrid sender for backend "sendgrid" and the console
// sender otherwise.
func NewSender(backend, key, fromName, fromAddress string, log *slog.Logger) Sender {
	if backend == "sendgrid" {
		return NewSendgridSender(key, "", fromName, fromAddress)
	}
	return NewConsoleSender(log)
}

// SendgridSender delivers through the SendGrid v3 API.
type SendgridSender struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

// NewSendgridSender creates a sender. host may be empty for the public API.
func NewSendgridSender(key, host, fromName, fromAddress string) *SendgridSender {
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendgridSender{
		key:        key,
		host:       host,
		from:       sgmail.NewEmail(fromName, fromAddress),
		subjPrefix: "[" + fromName + "] ",
	}
}

func (s *SendgridSender) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail("", msg.To))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Text))
	return m
}

func (s *SendgridSender) Send(ctx context.Context, msg Message) error {
	req := sendgrid.GetRequest(s.key, "/v3/mail/send", s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}

// Outbox queues messages for the worker. It implements the password reset
// notifier.
type Outbox struct {
	q queue.Queue
}

// NewOutbox creates an outbox publishing to q.
func NewOutbox(q queue.Queue) *Outbox {
	return &Outbox{q: q}
}

// Enqueue publishes msg.
func (o *Outbox) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return o.q.Publish(ctx, queue.Message{Type: queue.MailType, Body: body})
}

// SendOTP queues the password reset code email.
func (o *Outbox) SendOTP(ctx context.Context, email, code string, ttl time.Duration) error {
	return o.Enqueue(ctx, Message{
		To:      email,
		Subject: "Your password reset code",
		Text: fmt.Sprintf("Your password reset code is %s. It expires in %d minutes.\n"+
			"If you did not ask to reset your password you can ignore this email.", code, int(ttl.Minutes())),
	})
}

// Deliver sends every mail message received on msgs until it closes. A failed
// delivery is logged and dropped.
func Deliver(ctx context.Context, msgs <-chan queue.Message, sender Sender, log *slog.Logger) int {
	if log == nil {
		log = slog.Default()
	}
	sent := 0
	for m := range msgs {
		if m.Type != queue.MailType {
			log.Warn("unexpected message type", "type", m.Type)
			continue
		}
		var msg Message
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			log.Error("decode mail", "err", err)
			continue
		}
		if err := sender.Send(ctx, msg); err != nil {
			log.Error("send mail", "to", msg.To, "err", err)
			continue
		}
		sent++
		log.Info("mail sent", "to", msg.To, "subject", msg.Subject, "queued_for", time.Since(m.EnqueuedAt).Round(time.Millisecond).String())
	}
	return sent
}
