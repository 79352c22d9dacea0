// Package notify queues and sends ticket notification mail via SMTP.
// Delivery is fire-and-forget: failures are logged, never propagated.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"sync"

	"ticketforge/server/internal/ticket"
)

// Config holds SMTP configuration.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// Domain forms recipient addresses for watcher identities that are
	// not already addresses.
	Domain string
}

// Mailer queues tickets for notification and flushes them in batches.
type Mailer struct {
	config Config
	server string
	auth   smtp.Auth

	mu    sync.Mutex
	queue []*ticket.Ticket
}

// NewMailer creates a mailer. An unconfigured mailer accepts queue
// calls and drops them at send time.
func NewMailer(config Config) *Mailer {
	return &Mailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured returns true if SMTP settings are present.
func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != ""
}

// QueueMailing registers a ticket for the next SendAll pass.
func (m *Mailer) QueueMailing(t *ticket.Ticket) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, t)
}

// SendAll drains the queue. Each failed mailing is logged and skipped;
// SendAll never returns an error to its caller.
func (m *Mailer) SendAll() {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if !m.IsConfigured() {
		log.Printf("notify: smtp not configured, dropping %d queued mailings", len(pending))
		return
	}

	for _, t := range pending {
		recipients := m.recipients(t)
		if len(recipients) == 0 {
			continue
		}
		if err := m.send(recipients, subject(t), body(t)); err != nil {
			log.Printf("notify: mailing for %s#%d failed: %v", t.Repository, t.Number, err)
		}
	}
}

func (m *Mailer) recipients(t *ticket.Ticket) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, who := range append(append([]string{}, t.Watchers...), t.Participants...) {
		addr := who
		if !strings.Contains(addr, "@") {
			if m.config.Domain == "" {
				continue
			}
			addr = addr + "@" + m.config.Domain
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func (m *Mailer) send(to []string, subject, body string) error {
	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(m.server, m.auth, m.config.From, to, msg)
}

func subject(t *ticket.Ticket) string {
	return fmt.Sprintf("[%s] #%d: %s", t.Repository, t.Number, t.Title)
}

func body(t *ticket.Ticket) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s#%d · %s\n", t.Repository, t.Number, t.Status)
	fmt.Fprintf(&sb, "Updated by %s\n\n", t.UpdatedBy)
	if t.Body != "" {
		sb.WriteString(t.Body)
		sb.WriteString("\n")
	}
	if len(t.Comments) > 0 {
		latest := t.Comments[len(t.Comments)-1]
		fmt.Fprintf(&sb, "\nLatest comment:\n%s\n", latest.Text)
	}
	return sb.String()
}
