package reply

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dastak-io/dastak/internal/kv"
	"github.com/dastak-io/dastak/internal/lock"
	"github.com/dastak-io/dastak/internal/session"
	"github.com/dastak-io/dastak/internal/ticket"
	"github.com/dastak-io/dastak/internal/userstate"
)

// fakeTransport records outbound traffic and can simulate delivery failures.
type fakeTransport struct {
	mu            sync.Mutex
	deliverErr    error
	delivered     []string // "userID: text"
	channelEdits  []string
	notifications map[int64][]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notifications: make(map[int64][]string)}
}

func (f *fakeTransport) DeliverToUser(_ context.Context, userID int64, text, photoRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.delivered = append(f.delivered, fmt.Sprintf("%d: %s", userID, text))
	return nil
}

func (f *fakeTransport) UpdateChannelMessage(_ context.Context, messageID int64, text string, answered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelEdits = append(f.channelEdits, text)
	return nil
}

func (f *fakeTransport) NotifyOperator(_ context.Context, operatorID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[operatorID] = append(f.notifications[operatorID], text)
	return nil
}

func (f *fakeTransport) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeTransport) lastNotification(operatorID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.notifications[operatorID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type testEnv struct {
	orch      *Orchestrator
	tickets   *ticket.SQLiteStore
	locks     *lock.Manager
	sessions  *session.Cache
	users     userstate.Store
	transport *fakeTransport
}

func newTestEnv(t *testing.T, lockOpts ...lock.Option) *testEnv {
	t.Helper()

	tickets, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("ticket store: %v", err)
	}
	t.Cleanup(func() { tickets.DB().Close() })

	users, err := userstate.NewSQLiteStore(tickets.DB())
	if err != nil {
		t.Fatalf("userstate store: %v", err)
	}

	store := kv.NewMemoryStore()
	locks := lock.NewManager(store, lockOpts...)
	sessions := session.NewCache(store)
	transport := newFakeTransport()

	return &testEnv{
		orch:      NewOrchestrator(tickets, locks, sessions, users, transport, nil, nil),
		tickets:   tickets,
		locks:     locks,
		sessions:  sessions,
		users:     users,
		transport: transport,
	}
}

func (e *testEnv) openTicket(t *testing.T, userID int64) *ticket.Ticket {
	t.Helper()
	tk := &ticket.Ticket{UserID: userID, Text: "please help"}
	if err := e.tickets.Create(context.Background(), tk); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if err := e.tickets.SetChannelMessage(context.Background(), tk.ID, 900+tk.ID); err != nil {
		t.Fatalf("set channel message: %v", err)
	}
	return tk
}

func TestHappyPath(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	state, err := e.orch.HandleReplyButton(ctx, tk.Number, 42)
	if err != nil {
		t.Fatalf("reply button: %v", err)
	}
	if state != StateComposing {
		t.Fatalf("expected composing, got %q", state)
	}
	if got := e.transport.lastNotification(42); got != msgAskMessage {
		t.Errorf("expected compose prompt, got %q", got)
	}

	state, err = e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "Thanks, resolved."})
	if err != nil {
		t.Fatalf("operator message: %v", err)
	}
	if state != StateDone {
		t.Fatalf("expected done, got %q", state)
	}

	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusReplied {
		t.Errorf("expected ticket replied, got %q", got.Status)
	}
	if got.RepliedBy != 42 || got.ReplyText != "Thanks, resolved." {
		t.Errorf("unexpected reply record: by %d text %q", got.RepliedBy, got.ReplyText)
	}

	if e.transport.deliveredCount() != 1 {
		t.Errorf("expected exactly one delivery, got %d", e.transport.deliveredCount())
	}
	if !strings.Contains(e.transport.delivered[0], tk.Number) {
		t.Errorf("delivery should reference the ticket number: %q", e.transport.delivered[0])
	}
	if len(e.transport.channelEdits) != 1 {
		t.Errorf("expected channel message edit, got %d", len(e.transport.channelEdits))
	}
	if got := e.transport.lastNotification(42); got != msgReplySent {
		t.Errorf("expected sent confirmation, got %q", got)
	}

	// Flow fully cleaned up: no lock, no session.
	if holder, _ := e.locks.IntentHolder(ctx, tk.ID); holder != nil {
		t.Error("intent lock should be released after done")
	}
	if active, _ := e.sessions.Active(ctx, 42); active {
		t.Error("session should be consumed after done")
	}
}

func TestSecondOperatorDenied(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)

	state, err := e.orch.HandleReplyButton(ctx, tk.Number, 99)
	if !errors.Is(err, ErrLockDenied) {
		t.Fatalf("expected ErrLockDenied, got %v", err)
	}
	if state != StateLockDenied {
		t.Fatalf("expected lock_denied, got %q", state)
	}
	if got := e.transport.lastNotification(99); !strings.Contains(got, "42") {
		t.Errorf("denial should name the current holder, got %q", got)
	}

	// Operator 42's flow is unaffected.
	if state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "done"}); err != nil || state != StateDone {
		t.Errorf("holder's flow should complete: state %q err %v", state, err)
	}
}

func TestLockExpiryHandsOver(t *testing.T) {
	e := newTestEnv(t, lock.WithIntentTTL(30*time.Millisecond))
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)
	time.Sleep(50 * time.Millisecond) // operator 42 goes idle past the TTL

	state, err := e.orch.HandleReplyButton(ctx, tk.Number, 99)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if state != StateComposing {
		t.Fatalf("expected 99 to take over, got %q", state)
	}

	// 42's stale flow wakes up with unsupported input: it must detect the
	// loss and not touch 99's lock.
	state, err = e.orch.HandleOperatorMessage(ctx, 42, Message{})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if state != StateLockExpired {
		t.Fatalf("expected lock_expired, got %q", state)
	}
	if holder, _ := e.locks.IntentHolder(ctx, tk.ID); holder == nil || *holder != 99 {
		t.Error("operator 99's lock must survive 42's stale flow")
	}

	// 99 finishes normally; the ticket belongs to their reply.
	if state, err := e.orch.HandleOperatorMessage(ctx, 99, Message{Text: "I'll handle it"}); err != nil || state != StateDone {
		t.Fatalf("99's flow: state %q err %v", state, err)
	}
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.RepliedBy != 99 {
		t.Errorf("expected reply by 99, got %d", got.RepliedBy)
	}
}

func TestStaleFlowCannotDoubleSend(t *testing.T) {
	e := newTestEnv(t, lock.WithIntentTTL(30*time.Millisecond))
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	// 42 claims, goes idle, 99 takes over; both now have live sessions.
	e.orch.HandleReplyButton(ctx, tk.Number, 42)
	time.Sleep(50 * time.Millisecond)
	e.orch.HandleReplyButton(ctx, tk.Number, 99)

	// 99 commits first.
	if state, _ := e.orch.HandleOperatorMessage(ctx, 99, Message{Text: "answered"}); state != StateDone {
		t.Fatal("99 should win")
	}

	// 42's stale payload arrives afterwards: rejected, no second delivery.
	state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "stale answer"})
	if !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("expected ErrAlreadyHandled, got %v", err)
	}
	if state != StateRejected {
		t.Fatalf("expected rejected, got %q", state)
	}
	if e.transport.deliveredCount() != 1 {
		t.Errorf("expected exactly one delivery, got %d", e.transport.deliveredCount())
	}
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.RepliedBy != 99 || got.ReplyText != "answered" {
		t.Error("stale flow must not overwrite the winning reply")
	}
}

func TestStaleTextAfterHandoverRejected(t *testing.T) {
	e := newTestEnv(t, lock.WithIntentTTL(30*time.Millisecond))
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	// 42 claims, goes idle past the TTL, 99 takes over.
	e.orch.HandleReplyButton(ctx, tk.Number, 42)
	time.Sleep(50 * time.Millisecond)
	if state, _ := e.orch.HandleReplyButton(ctx, tk.Number, 99); state != StateComposing {
		t.Fatal("99 should take over")
	}

	// 42's stale answer arrives while 99 is still composing. It must end in
	// lock_expired without touching the ticket, the lock, or the customer.
	state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "stale answer"})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if state != StateLockExpired {
		t.Fatalf("expected lock_expired, got %q", state)
	}
	if got := e.transport.lastNotification(42); got != msgLockExpired {
		t.Errorf("expected expiry message, got %q", got)
	}
	if e.transport.deliveredCount() != 0 {
		t.Errorf("stale flow must not deliver, got %d deliveries", e.transport.deliveredCount())
	}
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusOpen {
		t.Errorf("ticket must stay open for the new holder, got %q", got.Status)
	}
	if holder, _ := e.locks.IntentHolder(ctx, tk.ID); holder == nil || *holder != 99 {
		t.Error("operator 99's lock must survive 42's stale answer")
	}

	// 99's reply is the one that lands.
	if state, err := e.orch.HandleOperatorMessage(ctx, 99, Message{Text: "real answer"}); err != nil || state != StateDone {
		t.Fatalf("99's flow: state %q err %v", state, err)
	}
	got, _ = e.tickets.FindByID(ctx, tk.ID)
	if got.RepliedBy != 99 || got.ReplyText != "real answer" {
		t.Errorf("expected 99's reply to win, got by %d text %q", got.RepliedBy, got.ReplyText)
	}
}

func TestReplyToRepliedTicketRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.tickets.MarkReplied(ctx, tk.ID, 7, "already done")

	state, err := e.orch.HandleReplyButton(ctx, tk.Number, 42)
	if !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("expected ErrAlreadyHandled, got %v", err)
	}
	if state != StateRejected {
		t.Fatalf("expected rejected, got %q", state)
	}
	// No lock was taken.
	if holder, _ := e.locks.IntentHolder(ctx, tk.ID); holder != nil {
		t.Error("rejected entry must not leave a lock behind")
	}
}

func TestReplyToClosedTicketRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.tickets.Close(ctx, tk.ID)

	state, err := e.orch.HandleReplyButton(ctx, tk.Number, 42)
	if !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("expected ErrAlreadyHandled, got %v", err)
	}
	if state != StateRejected {
		t.Fatalf("expected rejected, got %q", state)
	}
	if got := e.transport.lastNotification(42); got != msgTicketClosed {
		t.Errorf("expected closed message, got %q", got)
	}
}

func TestUnknownTicketRejected(t *testing.T) {
	e := newTestEnv(t)

	state, err := e.orch.HandleReplyButton(context.Background(), "ZZZ000", 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if state != StateRejected {
		t.Fatalf("expected rejected, got %q", state)
	}
}

func TestCancelReleasesLock(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)

	state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: CancelCommand})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("expected cancelled, got %q", state)
	}
	if holder, _ := e.locks.IntentHolder(ctx, tk.ID); holder != nil {
		t.Error("cancel must release the intent lock")
	}

	// Ticket is untouched and immediately claimable by someone else.
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusOpen {
		t.Errorf("expected ticket still open, got %q", got.Status)
	}
	if state, _ := e.orch.HandleReplyButton(ctx, tk.Number, 99); state != StateComposing {
		t.Error("ticket should be claimable after cancel")
	}
}

func TestUnsupportedInputReprompts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)

	// A sticker, say: no text, no photo. Flow stays in composing.
	for i := 0; i < 2; i++ {
		state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{})
		if err != nil {
			t.Fatalf("unsupported input %d: %v", i, err)
		}
		if state != StateComposing {
			t.Fatalf("expected composing after unsupported input, got %q", state)
		}
	}

	// The loop is still live: a real answer completes it.
	if state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "here you go"}); err != nil || state != StateDone {
		t.Fatalf("expected done, got state %q err %v", state, err)
	}
}

func TestPhotoReply(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)

	state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "see attached", PhotoRef: "file-abc"})
	if err != nil || state != StateDone {
		t.Fatalf("photo reply: state %q err %v", state, err)
	}
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusReplied {
		t.Errorf("expected replied, got %q", got.Status)
	}
}

func TestUnreachableUserKeepsRepliedStatus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.transport.deliverErr = fmt.Errorf("telegram: forbidden: %w", ErrUserUnreachable)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)
	state, err := e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "hello?"})
	if err != nil {
		t.Fatalf("operator message: %v", err)
	}
	if state != StateDone {
		t.Fatalf("expected done despite delivery failure, got %q", state)
	}

	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusReplied {
		t.Error("delivery failure must not roll back replied status")
	}
	if unreachable, _ := e.users.IsUnreachable(ctx, 1001); !unreachable {
		t.Error("user should be marked unreachable")
	}
	if got := e.transport.lastNotification(42); got != msgReplySent {
		t.Errorf("flow should still finish with sent confirmation, got %q", got)
	}
	if holder, _ := e.locks.IntentHolder(ctx, tk.ID); holder != nil {
		t.Error("lock should be released")
	}
}

func TestSuccessfulDeliveryClearsUnreachable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	e.users.MarkUnreachable(ctx, 1001)

	e.orch.HandleReplyButton(ctx, tk.Number, 42)
	e.orch.HandleOperatorMessage(ctx, 42, Message{Text: "back again"})

	if unreachable, _ := e.users.IsUnreachable(ctx, 1001); unreachable {
		t.Error("successful delivery should clear the unreachable flag")
	}
}

func TestMessageWithoutSessionIsIdle(t *testing.T) {
	e := newTestEnv(t)

	state, err := e.orch.HandleOperatorMessage(context.Background(), 42, Message{Text: "hello"})
	if err != nil {
		t.Fatalf("message without session: %v", err)
	}
	if state != StateIdle {
		t.Errorf("expected idle, got %q", state)
	}
}

func TestHandleCancelWithoutSession(t *testing.T) {
	e := newTestEnv(t)

	cancelled, err := e.orch.HandleCancel(context.Background(), 42)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled {
		t.Error("expected no-op cancel without a session")
	}
}

func TestCloseButton(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	state, err := e.orch.HandleCloseButton(ctx, tk.Number, 42)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if state != StateDone {
		t.Fatalf("expected done, got %q", state)
	}
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusClosed {
		t.Errorf("expected closed, got %q", got.Status)
	}
	if len(e.transport.channelEdits) != 1 {
		t.Errorf("expected channel edit on close, got %d", len(e.transport.channelEdits))
	}

	// Second close is rejected.
	if state, err := e.orch.HandleCloseButton(ctx, tk.Number, 42); state != StateRejected || !errors.Is(err, ErrAlreadyHandled) {
		t.Errorf("expected rejected second close, got state %q err %v", state, err)
	}
}

func TestViewReply(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)
	e.tickets.MarkReplied(ctx, tk.ID, 42, "the answer")

	if err := e.orch.HandleViewReply(ctx, tk.Number, 99); err != nil {
		t.Fatalf("view reply: %v", err)
	}
	if got := e.transport.lastNotification(99); !strings.Contains(got, "the answer") {
		t.Errorf("expected reply text in notification, got %q", got)
	}
}

func TestStoreOutageDoesNotLookLikeUnlocked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tk := e.openTicket(t, 1001)

	// Build an orchestrator whose coordination store is down but whose
	// ticket store still works.
	down := lock.NewManager(downStore{})
	orch := NewOrchestrator(e.tickets, down, session.NewCache(downStore{}), e.users, e.transport, nil, nil)

	state, err := orch.HandleReplyButton(ctx, tk.Number, 42)
	if state != StateFailed {
		t.Fatalf("expected failed on store outage, got %q", state)
	}
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable to propagate, got %v", err)
	}
	// The ticket itself is untouched.
	got, _ := e.tickets.FindByID(ctx, tk.ID)
	if got.Status != ticket.StatusOpen {
		t.Error("store outage must not mutate the ticket")
	}
}

// downStore simulates a key-value store outage.
type downStore struct{}

func (downStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, kv.ErrUnavailable
}
func (downStore) Set(context.Context, string, string, time.Duration) error { return kv.ErrUnavailable }
func (downStore) Get(context.Context, string) (string, error)             { return "", kv.ErrUnavailable }
func (downStore) Delete(context.Context, string) (bool, error)            { return false, kv.ErrUnavailable }
func (downStore) RefreshTTL(context.Context, string, time.Duration) (bool, error) {
	return false, kv.ErrUnavailable
}
func (downStore) Exists(context.Context, string) (bool, error) { return false, kv.ErrUnavailable }
