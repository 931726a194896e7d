package notifier

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EmailConfig describes the SMTP relay. Port 465 uses implicit TLS; other
// ports use STARTTLS when the server offers it.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// SubjectPrefix is prepended to every subject, e.g. "[skillcron]".
	SubjectPrefix string
}

func (c EmailConfig) Enabled() bool { return strings.TrimSpace(c.Host) != "" }

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	cfg  EmailConfig
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &EmailSender{cfg: cfg, dial: d.DialContext}
}

func (e *EmailSender) Send(ctx context.Context, address string, m Message) error {
	to := strings.TrimSpace(address)
	if to == "" {
		return errors.New("email: empty recipient")
	}
	if e.cfg.From == "" {
		return errors.New("email: no sender address configured")
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	conn, err := e.dial(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "email: dial %s", addr)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	tlsCfg := &tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}
	if e.cfg.Port == 465 {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "email: handshake")
	}
	defer c.Close()

	if e.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return errors.Wrap(err, "email: starttls")
			}
		}
	}
	if e.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
				return errors.Wrap(err, "email: auth")
			}
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return errors.Wrap(err, "email: MAIL FROM")
	}
	if err := c.Rcpt(to); err != nil {
		return errors.Wrapf(err, "email: RCPT TO %s", to)
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "email: DATA")
	}
	if _, err := w.Write(e.compose(to, m, time.Now())); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "email: write body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "email: finish body")
	}
	return c.Quit()
}

func (e *EmailSender) compose(to string, m Message, now time.Time) []byte {
	subject := m.Title
	if p := strings.TrimSpace(e.cfg.SubjectPrefix); p != "" {
		subject = p + " " + subject
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.Body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
