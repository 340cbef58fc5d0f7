// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// =============================================================================
// Func and log sinks
// =============================================================================

type funcSink struct {
	name string
	fn   func(context.Context, Alert) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Deliver(ctx context.Context, a Alert) error { return s.fn(ctx, a) }

// SinkFunc adapts fn to a Sink called name.
func SinkFunc(name string, fn func(context.Context, Alert) error) Sink {
	return funcSink{name: name, fn: fn}
}

type logSink struct {
	logger *slog.Logger
}

// LogSink writes alerts to logger at a matching level. A nil logger uses
// slog.Default().
func LogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return logSink{logger: logger}
}

func (logSink) Name() string { return "log" }

func (s logSink) Deliver(ctx context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Level {
	case Warning:
		level = slog.LevelWarn
	case Critical:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, a.Title,
		"alert_id", a.ID,
		"alert_level", a.Level.String(),
		"source", a.Source,
		"message", a.Message,
		"count", a.Count,
	)
	return nil
}

// =============================================================================
// HTTP sinks
// =============================================================================

// WebhookSink POSTs the alert as JSON.
type WebhookSink struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// Name returns "webhook".
func (w *WebhookSink) Name() string { return "webhook" }

// Deliver posts a. Non-2xx responses are errors.
func (w *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	return postJSON(ctx, w.Client, w.URL, w.Headers, body)
}

// SlackSink posts an attachment to a Slack incoming webhook.
type SlackSink struct {
	WebhookURL string
	Channel    string
	Username   string
	Client     *http.Client
}

// Name returns "slack".
func (s *SlackSink) Name() string { return "slack" }

var slackColors = map[Level]string{
	Info:     "#36a64f",
	Warning:  "#ffcc00",
	Critical: "#ff0000",
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func slackMessage(a Alert, channel, username string) slackPayload {
	color, ok := slackColors[a.Level]
	if !ok {
		color = "#808080"
	}
	fields := []slackField{
		{Title: "Source", Value: a.Source, Short: true},
		{Title: "Time", Value: a.Time.UTC().Format(time.RFC3339), Short: true},
	}
	if a.Count > 1 {
		fields = append(fields, slackField{Title: "Count", Value: strconv.Itoa(a.Count), Short: true})
	}
	return slackPayload{
		Channel:  channel,
		Username: username,
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  fmt.Sprintf("[%s] %s", a.Level, a.Title),
			Text:   a.Message,
			Fields: fields,
			Footer: "Aurora",
			Ts:     a.Time.Unix(),
		}},
	}
}

// Deliver posts a to Slack.
func (s *SlackSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(slackMessage(a, s.Channel, s.Username))
	if err != nil {
		return fmt.Errorf("encoding slack payload: %w", err)
	}
	return postJSON(ctx, s.Client, s.WebhookURL, nil, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	if url == "" {
		return errors.New("webhook url not configured")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("posting alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// Email sink
// =============================================================================

// EmailConfig configures an EmailSink.
type EmailConfig struct {
	Host     string   `yaml:"host" validate:"required_with=To"`
	Port     int      `yaml:"port" validate:"gte=0,lte=65535"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`

	// Password is moved into an encrypted enclave by NewEmailSink and the
	// slice is wiped.
	Password []byte `yaml:"-"`
}

// EmailSink sends alerts over SMTP with STARTTLS when offered.
//
// The SMTP password lives in a memguard enclave and is decrypted only for
// the duration of an authentication.
type EmailSink struct {
	host     string
	port     int
	from     string
	to       []string
	username string
	password *memguard.Enclave
}

// NewEmailSink builds an EmailSink. Port defaults to 587 and From to
// "aurora@<host>".
func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	if cfg.Host == "" {
		return nil, errors.New("email sink: host is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email sink: at least one recipient is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = "aurora@" + cfg.Host
	}
	s := &EmailSink{
		host:     cfg.Host,
		port:     cfg.Port,
		from:     cfg.From,
		to:       append([]string(nil), cfg.To...),
		username: cfg.Username,
	}
	if len(cfg.Password) > 0 {
		s.password = memguard.NewEnclave(cfg.Password)
	}
	return s, nil
}

// Name returns "email".
func (s *EmailSink) Name() string { return "email" }

// Deliver sends a as a plain-text message to every recipient.
func (s *EmailSink) Deliver(ctx context.Context, a Alert) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.username != "" && s.password != nil {
		if err := s.auth(c); err != nil {
			return err
		}
	}

	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("smtp MAIL: %w", err)
	}
	for _, rcpt := range s.to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(formatEmail(a, s.from, s.to)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}
	return c.Quit()
}

func (s *EmailSink) auth(c *smtp.Client) error {
	buf, err := s.password.Open()
	if err != nil {
		return fmt.Errorf("opening smtp password: %w", err)
	}
	defer buf.Destroy()

	if err := c.Auth(smtp.PlainAuth("", s.username, buf.String(), s.host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return nil
}

func formatEmail(a Alert, from string, to []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [Aurora] [%s] %s\r\n", a.Level, a.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", a.Time.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", a.Message)
	fmt.Fprintf(&b, "Source: %s\r\n", a.Source)
	fmt.Fprintf(&b, "Time: %s\r\n", a.Time.UTC().Format(time.RFC3339))
	if a.Count > 1 {
		fmt.Fprintf(&b, "Occurrences: %d\r\n", a.Count)
	}
	fmt.Fprintf(&b, "Alert ID: %s\r\n", a.ID)
	return []byte(b.String())
}
