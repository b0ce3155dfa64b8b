package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html"
	"html/template"
	"net/smtp"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/spec-kit/helpdesk-engine/internal/config"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var mailTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var htmlPolicy = bluemonday.UGCPolicy()

// Email is one outgoing message. Headers carry threading fields such as
// In-Reply-To and References.
type Email struct {
	To      []string
	Subject string
	HTML    string
	Headers map[string]string
}

// EmailSender delivers email and returns the Message-ID it used.
type EmailSender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends mail through an SMTP relay.
type SMTPSender struct {
	addr     string
	auth     smtp.Auth
	from     string
	sendMail SendMailFunc
	now      func() time.Time
}

// NewSMTPSender returns nil when no SMTP host is configured.
func NewSMTPSender(cfg config.NotificationConfig) *SMTPSender {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil
	}
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &SMTPSender{
		addr:     cfg.SMTPHost + ":" + cfg.SMTPPort,
		auth:     auth,
		from:     cfg.EmailFrom,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// WithSendMail swaps the transport, for tests.
func (s *SMTPSender) WithSendMail(fn SendMailFunc) *SMTPSender {
	s.sendMail = fn
	return s
}

// Send builds and sends the message. The sanitized HTML body is sent as
// text/html.
func (s *SMTPSender) Send(ctx context.Context, email Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from, err := sanitizeAndValidateEmail(s.from)
	if err != nil {
		return "", fmt.Errorf("invalid From address: %w", err)
	}
	if len(email.To) == 0 {
		return "", fmt.Errorf("email has no recipients")
	}
	to := make([]string, 0, len(email.To))
	for _, addr := range email.To {
		clean, err := sanitizeAndValidateEmail(addr)
		if err != nil {
			return "", fmt.Errorf("invalid To address: %w", err)
		}
		to = append(to, clean)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from))

	var msg bytes.Buffer
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	msg.WriteString("Subject: " + sanitizeEmailHeader(email.Subject) + "\r\n")
	msg.WriteString("Date: " + s.now().UTC().Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("Message-ID: " + messageID + "\r\n")
	keys := make([]string, 0, len(email.Headers))
	for k := range email.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := sanitizeEmailHeader(email.Headers[k])
		if v == "" {
			continue
		}
		msg.WriteString(sanitizeEmailHeader(k) + ": " + v + "\r\n")
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(sanitizeEmailBody(email.HTML))

	if err := s.sendMail(s.addr, s.auth, from, to, msg.Bytes()); err != nil {
		return "", err
	}
	return messageID, nil
}

// RenderEmail executes the <name>_subject and <name>_body templates.
func RenderEmail(name string, data any) (subject, body string, err error) {
	var subj, content bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&subj, name+"_subject", data); err != nil {
		return "", "", err
	}
	if err := mailTemplates.ExecuteTemplate(&content, name+"_body", data); err != nil {
		return "", "", err
	}
	// Subjects are plain text; undo the HTML escaping of the template.
	return html.UnescapeString(strings.TrimSpace(subj.String())), content.String(), nil
}

// ThreadHeaders returns In-Reply-To/References for a reply to messageID.
func ThreadHeaders(messageID *string) map[string]string {
	if messageID == nil || *messageID == "" {
		return nil
	}
	return map[string]string{
		"In-Reply-To": *messageID,
		"References":  *messageID,
	}
}

// sanitizeEmailHeader removes CRLF characters to block header injection.
func sanitizeEmailHeader(input string) string {
	sanitized := strings.ReplaceAll(input, "\r", "")
	sanitized = strings.ReplaceAll(sanitized, "\n", "")
	return strings.TrimSpace(sanitized)
}

func sanitizeAndValidateEmail(email string) (string, error) {
	sanitized := sanitizeEmailHeader(email)
	if sanitized == "" {
		return "", fmt.Errorf("email address cannot be empty")
	}
	if !emailRegex.MatchString(sanitized) {
		return "", fmt.Errorf("invalid email address format: %s", sanitized)
	}
	return sanitized, nil
}

func sanitizeEmailBody(body string) string {
	return htmlPolicy.Sanitize(body)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}
