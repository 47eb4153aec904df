// Package mailer delivers plain text notifications over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/animus-labs/rubberband/internal/platform/env"
	"github.com/jordan-wright/email"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func ConfigFromEnv() (Config, error) {
	port, err := env.Int("RUBBERBAND_SMTP_PORT", 25)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Host:     strings.TrimSpace(env.String("RUBBERBAND_SMTP_HOST", "")),
		Port:     port,
		Username: env.String("RUBBERBAND_SMTP_USERNAME", ""),
		Password: env.String("RUBBERBAND_SMTP_PASSWORD", ""),
		From:     env.String("RUBBERBAND_SMTP_FROM", "rubberband@localhost"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Host == "" {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("RUBBERBAND_SMTP_PORT out of range: %d", c.Port)
	}
	if strings.TrimSpace(c.From) == "" {
		return errors.New("RUBBERBAND_SMTP_FROM is required when RUBBERBAND_SMTP_HOST is set")
	}
	return nil
}

func (c Config) Enabled() bool {
	return c.Host != ""
}

type Message struct {
	To      []string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends through the configured relay. The context only gates
// the call; net/smtp has no cancellation.
type SMTPSender struct {
	cfg  Config
	send func(e *email.Email, addr string, a smtp.Auth) error
}

func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("RUBBERBAND_SMTP_HOST is required")
	}
	return &SMTPSender{
		cfg: cfg,
		send: func(e *email.Email, addr string, a smtp.Auth) error {
			return e.Send(addr, a)
		},
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s == nil {
		return errors.New("smtp sender not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	to := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return errors.New("recipient is required")
	}

	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = to
	e.Subject = msg.Subject
	e.Text = []byte(msg.Body)

	var a smtp.Auth
	if s.cfg.Username != "" {
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(e, addr, a); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Discard drops every message. Used when SMTP is not configured.
type Discard struct{}

func (Discard) Send(ctx context.Context, msg Message) error { return nil }
