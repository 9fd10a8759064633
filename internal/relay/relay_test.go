package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/store"
	"relaybot/internal/suppress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	reply *domain.BackendReply
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeBackend) Ask(ctx context.Context, conv *domain.Conversation, text string) (*domain.BackendReply, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTransport struct {
	mu    sync.Mutex
	texts []string
	media []string
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) SendText(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, chatID, url string, kind domain.MediaKind, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, url)
	return nil
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakePayments struct {
	link domain.PaymentLink
	err  error
}

func (f *fakePayments) CreateLink(ctx context.Context, order *domain.Order, ref string) (domain.PaymentLink, error) {
	if f.err != nil {
		return domain.PaymentLink{}, f.err
	}
	return f.link, nil
}

type fakeOrderLog struct {
	mu   sync.Mutex
	recs []store.OrderRecord
}

func (f *fakeOrderLog) SaveOrder(ctx context.Context, rec store.OrderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func newTestService(t *testing.T, b domain.Backend, p domain.PaymentLinker, orders OrderLog) (*Service, *fakeTransport, *suppress.Set) {
	t.Helper()
	sup, err := suppress.New(context.Background(), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{
		Backend:           b,
		Router:            dispatch.NewRouter(nil, testLogger()),
		Payments:          p,
		Suppressed:        sup,
		Orders:            orders,
		Bus:               bus.New(8, testLogger()),
		PrivilegedSenders: []string{"admin"},
		DisableMarker:     "[AUTO-OFF]",
		Logger:            testLogger(),
	})
	tr := &fakeTransport{}
	s.RegisterTransport(tr)
	return s, tr, sup
}

func turnFor(tr domain.Transport, user, content string) domain.Turn {
	return domain.Turn{
		Msg:       domain.InboundMessage{Channel: "fake", ChatID: user, SenderID: user, Content: content},
		Transport: tr,
	}
}

func TestHandleTurnDispatchesReply(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{
		Reply: "Hello\n\nhttp://a/b.png",
		Order: &domain.Order{Type: "inquiry"},
	}}
	s, tr, _ := newTestService(t, b, nil, nil)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "hi"))

	texts := tr.sentTexts()
	if len(texts) != 1 || texts[0] != "Hello" {
		t.Fatalf("unexpected texts %v", texts)
	}
	if len(tr.media) != 1 || tr.media[0] != "http://a/b.png" {
		t.Fatalf("unexpected media %v", tr.media)
	}
}

func TestHandleTurnBackendErrorFallsBack(t *testing.T) {
	b := &fakeBackend{err: errors.New("model down")}
	s, tr, _ := newTestService(t, b, nil, nil)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "hi"))

	texts := tr.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("user must still get a reply, got %v", texts)
	}
}

func TestHandleTurnControlDisableSuppresses(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{
		Reply:   "Okay, turning off.",
		Control: domain.Control{Disable: true},
	}}
	s, tr, sup := newTestService(t, b, nil, nil)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "stop messaging me"))

	if !sup.Contains("u1") {
		t.Fatal("user not suppressed")
	}
	texts := tr.sentTexts()
	if len(texts) != 1 || texts[0] != suppressConfirmText {
		t.Fatalf("expected confirmation only, got %v", texts)
	}
}

func TestHandleTurnLegacyMarkerSuppresses(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{Reply: "done [AUTO-OFF] bye"}}
	s, tr, sup := newTestService(t, b, nil, nil)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "stop"))

	if !sup.Contains("u1") {
		t.Fatal("legacy marker did not suppress")
	}
}

func TestHandleTurnOrderCreatesPaymentLink(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{
		Reply: "Putting your order together.",
		Order: &domain.Order{
			Type:     "order",
			Facility: "unit 28",
			Items:    []domain.OrderItem{{Name: "yerba", Quantity: 2}},
		},
	}}
	pay := &fakePayments{link: domain.PaymentLink{URL: "https://mp.example/x", Total: 6000}}
	orders := &fakeOrderLog{}
	s, tr, _ := newTestService(t, b, pay, orders)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "2 yerba to unit 28"))

	joined := strings.Join(tr.sentTexts(), "\n")
	if !strings.Contains(joined, "https://mp.example/x") {
		t.Fatalf("payment link missing from reply: %q", joined)
	}
	if !strings.Contains(joined, "$6000") {
		t.Fatalf("total missing from reply: %q", joined)
	}
	if len(orders.recs) != 1 || orders.recs[0].Total != 6000 || orders.recs[0].UserID != "u1" {
		t.Fatalf("order not logged: %+v", orders.recs)
	}
	if orders.recs[0].ID == "" {
		t.Fatal("order id not assigned")
	}
}

func TestHandleTurnPaymentFailureStillReplies(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{
		Reply: "Putting your order together.",
		Order: &domain.Order{Type: "order", Items: []domain.OrderItem{{Name: "soap", Quantity: 1}}},
	}}
	pay := &fakePayments{err: errors.New("mp down")}
	s, tr, _ := newTestService(t, b, pay, nil)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "soap please"))

	joined := strings.Join(tr.sentTexts(), "\n")
	if !strings.Contains(joined, paymentFailText) {
		t.Fatalf("payment failure text missing: %q", joined)
	}
}

func TestHandleTurnStatusNotice(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{
		Reply: "Checking on that.",
		Order: &domain.Order{Type: "status"},
	}}
	s, tr, _ := newTestService(t, b, nil, nil)

	s.handleTurn(context.Background(), turnFor(tr, "u1", "where is my box"))

	joined := strings.Join(tr.sentTexts(), "\n")
	if !strings.Contains(joined, statusNoticeText) {
		t.Fatalf("status notice missing: %q", joined)
	}
}

func TestHandleControlPrivileged(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{Reply: "hi"}}
	s, tr, sup := newTestService(t, b, nil, nil)
	ctx := context.Background()

	handled := s.handleControl(ctx, domain.InboundMessage{
		Channel: "fake", ChatID: "admin", SenderID: "admin", Content: "/disable u7",
	})
	if !handled {
		t.Fatal("privileged control not handled")
	}
	if !sup.Contains("u7") {
		t.Fatal("u7 not suppressed")
	}
	if len(tr.sentTexts()) != 1 {
		t.Fatal("no ack sent")
	}

	handled = s.handleControl(ctx, domain.InboundMessage{
		Channel: "fake", ChatID: "admin", SenderID: "admin", Content: "/enable u7",
	})
	if !handled || sup.Contains("u7") {
		t.Fatal("u7 not re-enabled")
	}
}

func TestHandleControlUnprivilegedIgnored(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{Reply: "hi"}}
	s, _, sup := newTestService(t, b, nil, nil)

	handled := s.handleControl(context.Background(), domain.InboundMessage{
		Channel: "fake", ChatID: "u1", SenderID: "u1", Content: "/disable u7",
	})
	if handled {
		t.Fatal("unprivileged sender must not control suppression")
	}
	if sup.Contains("u7") {
		t.Fatal("u7 wrongly suppressed")
	}
}

// End to end through bus and scheduler: suppressed users never reach the
// backend, others do.
func TestRunSuppressionSkipsBackend(t *testing.T) {
	b := &fakeBackend{reply: &domain.BackendReply{Reply: "hi"}}
	s, tr, sup := newTestService(t, b, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Add(ctx, "blocked")

	go s.Run(ctx)
	s.bus.Publish(domain.InboundMessage{Channel: "fake", ChatID: "blocked", SenderID: "blocked", Content: "hi"})
	s.bus.Publish(domain.InboundMessage{Channel: "fake", ChatID: "ok", SenderID: "ok", Content: "hi"})

	deadline := time.After(2 * time.Second)
	for len(tr.sentTexts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply for unsuppressed user")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := b.callCount(); got != 1 {
		t.Fatalf("backend called %d times, want 1", got)
	}
}
