package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/config"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/notify"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-engine/pkg/util"
)

// UserDirectory resolves user ids to notification addresses.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	ListByRole(ctx context.Context, role domain.Role) ([]domain.User, error)
}

// NotificationService delivers outbox events to chat and email. Handlers
// read the ticket back at delivery time and tolerate redelivery.
type NotificationService struct {
	tx     repository.Transactor
	chat   notify.ChatChannel
	email  notify.EmailSender
	users  UserDirectory
	ledger notify.Ledger
	cfg    config.NotificationConfig
	logger *zap.Logger
}

// NotificationDependencies bundles collaborators. Chat, Email and Ledger
// are optional; a missing channel is skipped.
type NotificationDependencies struct {
	Transactor repository.Transactor
	Chat       notify.ChatChannel
	Email      notify.EmailSender
	Users      UserDirectory
	Ledger     notify.Ledger
	Config     config.NotificationConfig
	Logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &NotificationService{
		tx:     deps.Transactor,
		chat:   deps.Chat,
		email:  deps.Email,
		users:  deps.Users,
		ledger: deps.Ledger,
		cfg:    deps.Config,
		logger: deps.Logger,
	}
}

// RegisterHandlers subscribes one handler per event type.
func (n *NotificationService) RegisterHandlers(dispatcher *events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	dispatcher.Subscribe(domain.EventTicketCreated, n.forgetOnSuccess(n.handleTicketCreated))
	dispatcher.Subscribe(domain.EventTicketStatusUpdated, n.forgetOnSuccess(n.handleTicketStatusUpdated))
	dispatcher.Subscribe(domain.EventTicketCommentAdded, n.forgetOnSuccess(n.handleTicketCommentAdded))
	dispatcher.Subscribe(domain.EventTicketEscalated, n.forgetOnSuccess(n.handleTicketEscalated))
	dispatcher.Subscribe(domain.EventTicketTATUpdated, n.forgetOnSuccess(n.handleTicketTATUpdated))
}

// forgetOnSuccess clears the event's delivery marks after every channel
// went out. A failed clear only leaves marks behind.
func (n *NotificationService) forgetOnSuccess(handler events.EventHandler) events.EventHandler {
	return func(ctx context.Context, event *domain.OutboxEvent) error {
		if err := handler(ctx, event); err != nil {
			return err
		}
		if n.ledger == nil {
			return nil
		}
		header, err := events.Decode[events.Header](event)
		if err != nil || header.EventKey == "" {
			return nil
		}
		if err := n.ledger.Forget(ctx, header.EventKey+":chat", header.EventKey+":email"); err != nil {
			n.logger.Warn("clear delivery marks", zap.Int64("event_id", event.ID), zap.Error(err))
		}
		return nil
	}
}

type emailData struct {
	TicketID      int64
	Title         string
	Description   string
	Category      string
	Location      string
	Status        string
	RecipientName string
	OldStatus     string
	NewStatus     string
	ActorID       string
	Body          string
	Level         int
	Urgent        bool
	ReasonText    string
	TAT           string
	Deadline      string
}

func baseEmailData(ticket *domain.Ticket) emailData {
	return emailData{
		TicketID:    ticket.ID,
		Title:       ticket.Title,
		Description: ticket.Description,
		Category:    ticket.Category,
		Location:    ticket.Location,
		Status:      string(ticket.Status),
	}
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event *domain.OutboxEvent) error {
	p, err := events.Decode[events.TicketCreatedPayload](event)
	if err != nil {
		return err
	}
	ticket, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return err
	}

	if err := n.deliverChat(ctx, p.EventKey, func(ctx context.Context) error {
		_, err := n.ensureChatThread(ctx, ticket)
		return err
	}); err != nil {
		return err
	}

	return n.deliverEmail(ctx, p.EventKey, func(ctx context.Context) error {
		if ticket.Metadata.EmailThreadID != nil {
			return nil
		}
		data := baseEmailData(ticket)
		messageID, err := n.sendTemplate(ctx, "ticket_created", data, []string{ticket.CreatedBy}, nil)
		if err != nil || messageID == "" {
			return err
		}
		return n.saveThreads(ctx, ticket.ID, func(meta *domain.TicketMetadata) {
			if meta.EmailThreadID == nil {
				meta.EmailThreadID = &messageID
			}
		})
	})
}

func (n *NotificationService) handleTicketStatusUpdated(ctx context.Context, event *domain.OutboxEvent) error {
	p, err := events.Decode[events.TicketStatusUpdatedPayload](event)
	if err != nil {
		return err
	}
	ticket, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Status changed from %s to %s by %s.", p.OldStatus, p.NewStatus, p.Actor.ID)
	if err := n.replyInThread(ctx, p.EventKey, ticket, text, assigneeCC(ticket)); err != nil {
		return err
	}

	return n.deliverEmail(ctx, p.EventKey, func(ctx context.Context) error {
		data := baseEmailData(ticket)
		data.OldStatus = string(p.OldStatus)
		data.NewStatus = string(p.NewStatus)
		data.ActorID = p.Actor.ID
		_, err := n.sendTemplate(ctx, "ticket_status", data, []string{ticket.CreatedBy}, ticket.Metadata.EmailThreadID)
		return err
	})
}

func (n *NotificationService) handleTicketCommentAdded(ctx context.Context, event *domain.OutboxEvent) error {
	p, err := events.Decode[events.TicketCommentAddedPayload](event)
	if err != nil {
		return err
	}
	ticket, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return err
	}

	body := p.BodyPreview
	if p.CommentIndex >= 0 && p.CommentIndex < len(ticket.Metadata.Comments) {
		body = ticket.Metadata.Comments[p.CommentIndex].Body
	}

	cc := append(assigneeCC(ticket), ticket.CreatedBy)
	text := fmt.Sprintf("%s commented: %s", p.Actor.ID, body)
	if err := n.replyInThread(ctx, p.EventKey, ticket, text, cc); err != nil {
		return err
	}

	recipient := ticket.CreatedBy
	if p.Actor.ID == ticket.CreatedBy {
		if ticket.AssignedTo == nil {
			return nil
		}
		recipient = *ticket.AssignedTo
	}
	return n.deliverEmail(ctx, p.EventKey, func(ctx context.Context) error {
		data := baseEmailData(ticket)
		data.ActorID = p.Actor.ID
		data.Body = body
		_, err := n.sendTemplate(ctx, "ticket_comment", data, []string{recipient}, ticket.Metadata.EmailThreadID)
		return err
	})
}

func (n *NotificationService) handleTicketEscalated(ctx context.Context, event *domain.OutboxEvent) error {
	p, err := events.Decode[events.TicketEscalatedPayload](event)
	if err != nil {
		return err
	}
	ticket, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return err
	}

	reason := escalationReasonText(p)
	prefix := "Escalated"
	if p.Urgent {
		prefix = "URGENT escalation"
	}
	text := fmt.Sprintf("%s to level %d (%s): %s.", prefix, p.Level, p.EscalatedTo, reason)
	var cc []string
	if p.AssigneeID != nil {
		cc = []string{*p.AssigneeID}
	}
	if err := n.replyInThread(ctx, p.EventKey, ticket, text, cc); err != nil {
		return err
	}

	return n.deliverEmail(ctx, p.EventKey, func(ctx context.Context) error {
		data := baseEmailData(ticket)
		data.Level = p.Level
		data.Urgent = p.Urgent
		data.ReasonText = reason

		if p.AssigneeID != nil {
			_, err := n.sendTemplate(ctx, "ticket_escalated", data, []string{*p.AssigneeID}, ticket.Metadata.EmailThreadID)
			return err
		}
		recipients, err := n.superAdminRecipients(ctx)
		if err != nil {
			return err
		}
		_, err = n.sendTemplate(ctx, "ticket_escalated", data, recipients, ticket.Metadata.EmailThreadID)
		return err
	})
}

func (n *NotificationService) handleTicketTATUpdated(ctx context.Context, event *domain.OutboxEvent) error {
	p, err := events.Decode[events.TicketTATUpdatedPayload](event)
	if err != nil {
		return err
	}
	ticket, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return err
	}

	deadline := p.TATDate.UTC().Format("02 Jan 2006 15:04 MST")
	text := fmt.Sprintf("TAT set to %s by %s; due %s.", p.TAT, p.Actor.ID, deadline)
	if err := n.replyInThread(ctx, p.EventKey, ticket, text, nil); err != nil {
		return err
	}

	return n.deliverEmail(ctx, p.EventKey, func(ctx context.Context) error {
		data := baseEmailData(ticket)
		data.TAT = p.TAT
		data.Deadline = deadline
		_, err := n.sendTemplate(ctx, "ticket_tat", data, []string{ticket.CreatedBy}, ticket.Metadata.EmailThreadID)
		return err
	})
}

func (n *NotificationService) deliverChat(ctx context.Context, eventKey string, fn func(context.Context) error) error {
	if n.chat == nil {
		return nil
	}
	if err := notify.Once(ctx, n.ledger, eventKey+":chat", fn); err != nil {
		return apperrors.NewTransientDeliveryError("chat", err)
	}
	return nil
}

func (n *NotificationService) deliverEmail(ctx context.Context, eventKey string, fn func(context.Context) error) error {
	if n.email == nil {
		return nil
	}
	if err := notify.Once(ctx, n.ledger, eventKey+":email", fn); err != nil {
		return apperrors.NewTransientDeliveryError("email", err)
	}
	return nil
}

func (n *NotificationService) replyInThread(ctx context.Context, eventKey string, ticket *domain.Ticket, text string, cc []string) error {
	return n.deliverChat(ctx, eventKey, func(ctx context.Context) error {
		threadID, err := n.ensureChatThread(ctx, ticket)
		if err != nil {
			return err
		}
		_, err = n.chat.PostThreadReply(ctx, n.channelFor(ticket), threadID, text, cc)
		return err
	})
}

// ensureChatThread returns the ticket's chat thread, opening one when the
// ticket has none yet.
func (n *NotificationService) ensureChatThread(ctx context.Context, ticket *domain.Ticket) (string, error) {
	if ticket.Metadata.ChatThreadID != nil && *ticket.Metadata.ChatThreadID != "" {
		return *ticket.Metadata.ChatThreadID, nil
	}
	channel := n.channelFor(ticket)
	headline := fmt.Sprintf("Ticket #%d [%s] %s", ticket.ID, ticket.Category, ticket.Title)
	threadID, err := n.chat.PostMessage(ctx, channel, headline)
	if err != nil {
		return "", err
	}
	err = n.saveThreads(ctx, ticket.ID, func(meta *domain.TicketMetadata) {
		meta.ChatChannel = &channel
		meta.ChatThreadID = &threadID
	})
	if err != nil {
		return "", err
	}
	ticket.Metadata.ChatChannel = &channel
	ticket.Metadata.ChatThreadID = &threadID
	return threadID, nil
}

func (n *NotificationService) channelFor(ticket *domain.Ticket) string {
	if ticket.Metadata.ChatChannel != nil && *ticket.Metadata.ChatChannel != "" {
		return *ticket.Metadata.ChatChannel
	}
	return n.cfg.ChatChannel
}

// saveThreads records external thread handles. Bookkeeping does not count
// as ticket activity, so updated_at is left alone.
func (n *NotificationService) saveThreads(ctx context.Context, ticketID int64, mutate func(*domain.TicketMetadata)) error {
	return n.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ticket, err := tx.Tickets().GetForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		mutate(&ticket.Metadata)
		return tx.Tickets().Update(ctx, ticket)
	})
}

// sendTemplate resolves user ids (or literal addresses) to emails and
// sends. Unknown users are skipped; with no recipients nothing is sent.
func (n *NotificationService) sendTemplate(ctx context.Context, name string, data emailData, recipients []string, thread *string) (string, error) {
	var to []string
	for _, r := range recipients {
		if strings.Contains(r, "@") {
			to = append(to, r)
			continue
		}
		user, err := n.users.GetByID(ctx, r)
		if errors.Is(err, pgx.ErrNoRows) {
			n.logger.Warn("notification recipient not found", zap.String("user_id", r))
			continue
		}
		if err != nil {
			return "", err
		}
		if data.RecipientName == "" {
			data.RecipientName = user.Name
		}
		to = append(to, user.Email)
	}
	if len(to) == 0 {
		return "", nil
	}
	if data.RecipientName == "" {
		data.RecipientName = "there"
	}

	subject, body, err := notify.RenderEmail(name, data)
	if err != nil {
		return "", fmt.Errorf("render %s email: %w", name, err)
	}
	return n.email.Send(ctx, notify.Email{
		To:      to,
		Subject: subject,
		HTML:    body,
		Headers: notify.ThreadHeaders(thread),
	})
}

func (n *NotificationService) superAdminRecipients(ctx context.Context) ([]string, error) {
	admins, err := n.users.ListByRole(ctx, domain.RoleSuperAdmin)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, a := range admins {
		add(a.Email)
	}
	add(n.cfg.SuperAdminEmail)
	return out, nil
}

func (n *NotificationService) loadTicket(ctx context.Context, id int64) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := n.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		ticket, err = loadTicket(ctx, tx, id, false)
		return err
	})
	return ticket, err
}

func assigneeCC(ticket *domain.Ticket) []string {
	if ticket.AssignedTo == nil {
		return nil
	}
	return []string{*ticket.AssignedTo}
}

func escalationReasonText(p events.TicketEscalatedPayload) string {
	if p.Reason == domain.EscalationReasonTATViolation {
		return "turnaround time exceeded by " + formatOverdue(p.Overdue())
	}
	return "no activity within the inactivity window"
}

func formatOverdue(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	minutes := int((d - time.Duration(hours)*time.Hour) / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
