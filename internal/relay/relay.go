// Package relay wires the pipeline together: it consumes inbound messages
// from the bus, serializes them per user through the mailbox scheduler, asks
// the backend, and fans the reply out through the dispatch router.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/backend"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/mailbox"
	"relaybot/internal/metrics"
	"relaybot/internal/reply"
	"relaybot/internal/store"
	"relaybot/internal/suppress"
)

const (
	suppressConfirmText = "Understood. Automated replies are now off for this number. A human will take it from here."
	paymentFailText     = "I put your order together, but had a problem creating the payment link. We'll generate it properly a bit later."
	statusNoticeText    = "Order tracking isn't connected here yet, but soon you'll be able to check the status with just your order number."
)

// OrderLog records priced orders. Implemented by the stores; nil disables
// order logging.
type OrderLog interface {
	SaveOrder(ctx context.Context, rec store.OrderRecord) error
}

// Service is the relay engine: receive message → backend → segment → dispatch.
type Service struct {
	backend    domain.Backend
	router     *dispatch.Router
	mirror     domain.Mirror        // nil when no mirror is configured
	payments   domain.PaymentLinker // nil when payments are disabled
	suppressed *suppress.Set
	orders     OrderLog
	bus        domain.MessageBus
	sched      *mailbox.Scheduler
	transports map[string]domain.Transport
	privileged map[string]bool
	logger     *slog.Logger

	// disableMarker is the legacy free-text kill-switch sniffed out of the
	// backend reply. Compatibility shim: the typed control field is the
	// real contract.
	disableMarker string
}

// Config holds the relay service dependencies.
type Config struct {
	Backend           domain.Backend
	Router            *dispatch.Router
	Mirror            domain.Mirror
	Payments          domain.PaymentLinker
	Suppressed        *suppress.Set
	Orders            OrderLog
	Bus               domain.MessageBus
	PrivilegedSenders []string
	TurnTimeout       time.Duration
	DisableMarker     string
	Logger            *slog.Logger
}

// New creates the relay service and its mailbox scheduler.
func New(cfg Config) *Service {
	privileged := make(map[string]bool, len(cfg.PrivilegedSenders))
	for _, p := range cfg.PrivilegedSenders {
		privileged[strings.TrimSpace(p)] = true
	}

	s := &Service{
		backend:       cfg.Backend,
		router:        cfg.Router,
		mirror:        cfg.Mirror,
		payments:      cfg.Payments,
		suppressed:    cfg.Suppressed,
		orders:        cfg.Orders,
		bus:           cfg.Bus,
		transports:    make(map[string]domain.Transport),
		privileged:    privileged,
		logger:        cfg.Logger,
		disableMarker: cfg.DisableMarker,
	}
	s.sched = mailbox.New(s.handleTurn, cfg.Suppressed, cfg.TurnTimeout, cfg.Logger)
	return s
}

// RegisterTransport makes a channel's outbound side available for answering
// inbound messages arriving on it.
func (s *Service) RegisterTransport(t domain.Transport) {
	s.transports[t.Name()] = t
}

// Scheduler exposes the mailbox scheduler for observability.
func (s *Service) Scheduler() *mailbox.Scheduler { return s.sched }

// Run consumes inbound messages until the context is cancelled or the bus
// closes, then waits for in-flight turns to drain.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("relay service started", "transports", len(s.transports))

	inbound := s.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("relay service stopping")
			s.sched.Wait()
			return
		case msg, ok := <-inbound:
			if !ok {
				s.logger.Info("inbound channel closed, relay service stopping")
				s.sched.Wait()
				return
			}
			s.accept(ctx, msg)
		}
	}
}

// accept routes one inbound message: privileged control traffic is handled
// immediately, everything else is enqueued into the sender's mailbox.
func (s *Service) accept(ctx context.Context, msg domain.InboundMessage) {
	if msg.Kind == "" {
		msg.Kind = domain.EventText
	}
	if strings.HasPrefix(msg.Content, "/") && s.privileged[msg.SenderID] {
		msg.Kind = domain.EventControl
	}

	if msg.Kind == domain.EventControl && s.handleControl(ctx, msg) {
		return
	}

	t, ok := s.transports[msg.Channel]
	if !ok {
		s.logger.Warn("no transport registered for channel", "channel", msg.Channel)
		return
	}
	s.sched.Enqueue(ctx, domain.Turn{Msg: msg, Transport: t})
}

// handleControl processes "/disable <user>" and "/enable <user>" from
// privileged senders. Returns true when the message was consumed;
// unrecognized commands fall through to the normal turn path.
func (s *Service) handleControl(ctx context.Context, msg domain.InboundMessage) bool {
	if !s.privileged[msg.SenderID] {
		return false
	}

	fields := strings.Fields(msg.Content)
	if len(fields) != 2 {
		return false
	}

	var err error
	var ack string
	switch fields[0] {
	case "/disable":
		err = s.suppressed.Add(ctx, fields[1])
		ack = fmt.Sprintf("User %s disabled.", fields[1])
	case "/enable":
		err = s.suppressed.Remove(ctx, fields[1])
		ack = fmt.Sprintf("User %s enabled.", fields[1])
	default:
		return false
	}

	if err != nil {
		s.logger.Error("control command failed", "command", fields[0], "target", fields[1], "err", err)
		ack = "Command failed, check the logs."
	}
	if t, ok := s.transports[msg.Channel]; ok {
		if err := t.SendText(ctx, msg.ChatID, ack); err != nil {
			s.logger.Warn("control ack failed", "err", err)
		}
	}
	return true
}

// handleTurn processes one dequeued turn. Every failure path is recovered
// here so control always returns to the scheduler.
func (s *Service) handleTurn(ctx context.Context, turn domain.Turn) {
	metrics.TurnsProcessed.Inc()
	user := turn.UserID()
	s.logger.Info("processing turn", "user", user, "channel", turn.Msg.Channel, "content_len", len(turn.Msg.Content))

	conv := &domain.Conversation{UserID: user}
	mirrorRef := s.mirrorInbound(ctx, conv, turn.Msg.Content)

	res, err := s.backend.Ask(ctx, conv, turn.Msg.Content)
	if err != nil {
		s.logger.Error("backend failed", "user", user, "err", err)
		res = backend.Fallback()
	}

	if res.Control.Disable || s.sniffDisable(res.Reply) {
		s.disableUser(ctx, turn, mirrorRef)
		return
	}

	replyText := s.applyOrder(ctx, user, res)

	units := reply.Segment(replyText)
	if err := s.router.Dispatch(ctx, turn.Transport, turn.Msg.ChatID, mirrorRef, units); err != nil {
		metrics.TurnsFailed.Inc()
		s.logger.Error("turn failed, primary channel down", "user", user, "err", err)
	}
}

// mirrorInbound copies the user's message to the CRM conversation. Best
// effort: a mirror failure never blocks the turn.
func (s *Service) mirrorInbound(ctx context.Context, conv *domain.Conversation, text string) string {
	if s.mirror == nil {
		return ""
	}
	ref, err := s.mirror.EnsureConversation(ctx, conv.UserID)
	if err != nil {
		metrics.MirrorFailures.Inc()
		s.logger.Warn("mirror conversation unavailable", "user", conv.UserID, "err", err)
		return ""
	}
	conv.MirrorRef = ref
	if err := s.mirror.SendText(ctx, ref, text, domain.DirIncoming); err != nil {
		metrics.MirrorFailures.Inc()
		s.logger.Warn("mirror inbound failed", "user", conv.UserID, "err", err)
	}
	return ref
}

// disableUser adds the user to the suppression set and confirms, once.
func (s *Service) disableUser(ctx context.Context, turn domain.Turn, mirrorRef string) {
	user := turn.UserID()
	if err := s.suppressed.Add(ctx, user); err != nil {
		s.logger.Error("suppression persist failed", "user", user, "err", err)
	}
	units := []domain.DeliveryUnit{domain.TextUnit(suppressConfirmText)}
	if err := s.router.Dispatch(ctx, turn.Transport, turn.Msg.ChatID, mirrorRef, units); err != nil {
		s.logger.Error("suppression confirm failed", "user", user, "err", err)
	}
}

// applyOrder appends the payment or status paragraph the reply needs and
// logs priced orders. Returns the final reply text to segment.
func (s *Service) applyOrder(ctx context.Context, user string, res *domain.BackendReply) string {
	replyText := res.Reply
	order := res.Order
	if order == nil {
		return replyText
	}

	switch {
	case order.HasItems() && s.payments != nil:
		link, err := s.payments.CreateLink(ctx, order, user)
		if err != nil {
			s.logger.Error("payment link failed", "user", user, "err", err)
			return replyText + "\n\n" + paymentFailText
		}
		replyText += "\n\n" + paymentParagraph(order, link)
		if s.orders != nil {
			rec := store.OrderRecord{
				ID:         uuid.NewString(),
				UserID:     user,
				Facility:   order.Facility,
				Recipient:  order.Recipient,
				Total:      link.Total,
				PaymentURL: link.URL,
			}
			if err := s.orders.SaveOrder(ctx, rec); err != nil {
				s.logger.Warn("order log failed", "user", user, "order", rec.ID, "err", err)
			}
		}
	case order.Type == "status":
		replyText += "\n\n" + statusNoticeText
	}
	return replyText
}

func paymentParagraph(order *domain.Order, link domain.PaymentLink) string {
	facility := order.Facility
	if facility == "" {
		facility = "unspecified"
	}
	recipient := order.Recipient
	if recipient == "" {
		recipient = "unnamed recipient"
	}
	return fmt.Sprintf(
		"Your order for facility %s, addressed to %s, is ready.\n\n"+
			"The estimated total is $%d.\n\n"+
			"Pay here:\n%s\n\n"+
			"As soon as the payment clears we start packing.",
		facility, recipient, link.Total, link.URL)
}

// sniffDisable is the legacy kill-switch: an opaque marker in the reply text.
func (s *Service) sniffDisable(replyText string) bool {
	return s.disableMarker != "" && strings.Contains(replyText, s.disableMarker)
}
