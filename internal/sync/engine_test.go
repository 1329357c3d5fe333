package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/chat"
	"github.com/matheus3301/roomsync/internal/metrics"
	"github.com/matheus3301/roomsync/internal/profile"
	"github.com/matheus3301/roomsync/internal/rooms"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	once stdsync.Once
	done chan struct{}
}

func newFakeSub() *fakeSub { return &fakeSub{done: make(chan struct{})} }

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }
func (s *fakeSub) Err() error            { return nil }

func (s *fakeSub) open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type fakeBackend struct {
	mu       stdsync.Mutex
	probeErr error
	rooms    []chat.Room
	listErr  error
	messages map[string][]chat.Message
	fetchErr error
	since    map[string]time.Time
	// gates block ListMessages for a room until closed; started is signalled first.
	gates   map[string]chan struct{}
	started chan string
	sendErr error
	// beforeAck runs inside SendMessage after the canonical message exists.
	beforeAck func(chat.Message)
	sent      int
	profiles  map[string]chat.Profile
	lookups   map[string]int
	reads     []string
	listCalls int

	roomHandlers map[string]func(chat.Message)
	roomSubs     map[string]*fakeSub
	listHandler  func(chat.RoomChange)
	listSub      *fakeSub
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:     make(map[string][]chat.Message),
		since:        make(map[string]time.Time),
		gates:        make(map[string]chan struct{}),
		started:      make(chan string, 8),
		profiles:     make(map[string]chat.Profile),
		lookups:      make(map[string]int),
		roomHandlers: make(map[string]func(chat.Message)),
		roomSubs:     make(map[string]*fakeSub),
	}
}

func (f *fakeBackend) CheckReady(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeBackend) ListRooms(context.Context, string) ([]chat.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]chat.Room(nil), f.rooms...), nil
}

func (f *fakeBackend) MarkRead(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, roomID+"/"+userID)
	return nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, roomID string, since time.Time) ([]chat.Message, error) {
	f.mu.Lock()
	f.since[roomID] = since
	gate := f.gates[roomID]
	f.mu.Unlock()

	f.started <- roomID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]chat.Message(nil), f.messages[roomID]...), nil
}

func (f *fakeBackend) SendMessage(_ context.Context, roomID, senderID, content string) (chat.Message, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return chat.Message{}, err
	}
	f.sent++
	msg := chat.Message{
		ID:        fmt.Sprintf("m-%d", 41+f.sent),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: t0.Add(200 * time.Millisecond),
		UpdatedAt: t0.Add(200 * time.Millisecond),
	}
	hook := f.beforeAck
	f.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return msg, nil
}

func (f *fakeBackend) GetProfile(_ context.Context, userID string) (chat.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[userID]++
	p, ok := f.profiles[userID]
	if !ok {
		return chat.Profile{}, chat.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeBackend) SubscribeMessages(_ context.Context, roomID string, onInsert func(chat.Message)) (chat.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSub()
	f.roomHandlers[roomID] = onInsert
	f.roomSubs[roomID] = s
	return s, nil
}

func (f *fakeBackend) SubscribeRoomChanges(_ context.Context, onChange func(chat.RoomChange)) (chat.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHandler = onChange
	f.listSub = newFakeSub()
	return f.listSub, nil
}

// pushRoom delivers msg through roomID's message feed, as the backend would.
func (f *fakeBackend) pushRoom(t *testing.T, roomID string, msg chat.Message) {
	t.Helper()
	f.mu.Lock()
	h, s := f.roomHandlers[roomID], f.roomSubs[roomID]
	f.mu.Unlock()
	if h == nil || !s.open() {
		t.Fatalf("no open room feed for %s", roomID)
	}
	h(msg)
}

func (f *fakeBackend) pushChange(t *testing.T, change chat.RoomChange) {
	t.Helper()
	f.mu.Lock()
	h := f.listHandler
	f.mu.Unlock()
	if h == nil {
		t.Fatal("no room list feed")
	}
	h(change)
}

func (f *fakeBackend) openRoomFeeds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, s := range f.roomSubs {
		if s.open() {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeBackend) readCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

type harness struct {
	engine  *Engine
	backend *fakeBackend
	bus     *bus.Bus
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	b := bus.New()
	m := metrics.New(prometheus.NewRegistry())
	e, err := NewEngine(Config{
		UserID: "me",
		Self:   chat.Profile{UserID: "me", DisplayName: "Me"},
	}, Deps{
		Backend: backend,
		Bus:     b,
		Metrics: m,
		Logger:  zaptest.NewLogger(t),
		Now:     func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return &harness{engine: e, backend: backend, bus: b, metrics: m}
}

func startedHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	h := newHarness(t, backend)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h
}

// sync waits for every previously posted loop turn to run.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.engine.do(func() {}); err != nil {
		t.Fatal(err)
	}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestNotReadyBeforeStart(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	if err := h.engine.SelectRoom(context.Background(), "a"); !errors.Is(err, chat.ErrNotReady) {
		t.Errorf("SelectRoom() err = %v, want ErrNotReady", err)
	}
	if h.engine.State() != status.Uninitialized {
		t.Errorf("state = %s", h.engine.State())
	}
}

func TestStartBlockedOnProbeFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.probeErr = errors.New("missing column last_read_at")
	h := newHarness(t, backend)

	err := h.engine.Start(context.Background())
	var capErr *chat.CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Start() err = %v, want *CapabilityError", err)
	}
	if h.engine.State() != status.Blocked || h.engine.Reason() == "" {
		t.Errorf("state = %s reason = %q, want BLOCKED with reason", h.engine.State(), h.engine.Reason())
	}
	if backend.listCalls != 0 {
		t.Errorf("ListRooms called %d times while blocked", backend.listCalls)
	}
	if st := h.engine.RegistryStatus(); st.State != rooms.Blocked || st.Reason != h.engine.Reason() {
		t.Errorf("registry status = %+v, want BLOCKED with the engine reason", st)
	}
	if err := h.engine.SelectRoom(context.Background(), "a"); !errors.Is(err, chat.ErrCapabilityUnavailable) {
		t.Errorf("SelectRoom() err = %v, want ErrCapabilityUnavailable", err)
	}
	if _, err := h.engine.Send(context.Background(), "a", "me", "hi"); !errors.Is(err, chat.ErrCapabilityUnavailable) {
		t.Errorf("Send() err = %v, want ErrCapabilityUnavailable", err)
	}
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() err = %v", err)
	}
}

func TestStartLoadsRooms(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{
		{ID: "a", Name: "A", LastActivityAt: t0.Add(-time.Hour)},
		{ID: "b", Name: "B", LastActivityAt: t0, UnreadCount: 2},
	}
	h := startedHarness(t, backend)

	if h.engine.State() != status.Ready {
		t.Fatalf("state = %s", h.engine.State())
	}
	got := h.engine.Rooms()
	if len(got) != 2 || got[0].ID != "b" {
		t.Errorf("rooms = %+v", got)
	}
	if backend.listSub == nil || !backend.listSub.open() {
		t.Error("room list feed not open")
	}
}

func TestStartRoomLoadFailureStaysReady(t *testing.T) {
	backend := newFakeBackend()
	backend.listErr = errors.New("timeout")
	h := newHarness(t, backend)

	err := h.engine.Start(context.Background())
	var fe *chat.FetchError
	if !errors.As(err, &fe) || fe.Scope != "rooms" {
		t.Fatalf("Start() err = %v, want rooms FetchError", err)
	}
	if h.engine.State() != status.Ready {
		t.Errorf("state = %s, want READY", h.engine.State())
	}

	backend.mu.Lock()
	backend.listErr = nil
	backend.rooms = []chat.Room{{ID: "a"}}
	backend.mu.Unlock()
	if err := h.engine.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.engine.Rooms()) != 1 {
		t.Errorf("rooms after refresh = %v", h.engine.Rooms())
	}
}

func TestSelectRoomFetchesWindow(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a", UnreadCount: 3}}
	backend.profiles["u2"] = chat.Profile{UserID: "u2", DisplayName: "Bea"}
	backend.messages["a"] = []chat.Message{
		{ID: "m1", SenderID: "u2", Content: "one", CreatedAt: t0.Add(-2 * time.Hour)},
		{ID: "m2", SenderID: "u3", Content: "two", CreatedAt: t0.Add(-time.Hour)},
	}
	h := startedHarness(t, backend)

	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if got := backend.since["a"]; !got.Equal(t0.Add(-24 * time.Hour)) {
		t.Errorf("since = %v, want now-24h", got)
	}
	msgs := h.engine.CurrentMessages(t0)
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %v", ids(msgs))
	}
	if msgs[0].SenderProfile.DisplayName != "Bea" {
		t.Errorf("profile = %+v", msgs[0].SenderProfile)
	}
	if msgs[1].SenderProfile.DisplayName != "User u3" {
		t.Errorf("fallback profile = %+v", msgs[1].SenderProfile)
	}
	if room, _ := h.engine.registry.Room("a"); room.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after opening", room.UnreadCount)
	}
	if reads := backend.readCalls(); len(reads) != 1 || reads[0] != "a/me" {
		t.Errorf("mark read calls = %v", reads)
	}
	if open := backend.openRoomFeeds(); len(open) != 1 || open[0] != "a" {
		t.Errorf("open room feeds = %v", open)
	}

	// Outside the window once time has moved on.
	if msgs := h.engine.Messages("a", t0.Add(22*time.Hour+30*time.Minute)); len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("messages at +22h30m = %v, want [m2]", ids(msgs))
	}
}

func TestSwitchDuringFetchAppliesToOldRoomOnly(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a", UnreadCount: 2}, {ID: "b"}}
	backend.messages["a"] = []chat.Message{{ID: "a1", SenderID: "u2", Content: "late", CreatedAt: t0.Add(-time.Minute)}}
	backend.messages["b"] = []chat.Message{{ID: "b1", SenderID: "u2", Content: "here", CreatedAt: t0.Add(-time.Minute)}}
	gate := make(chan struct{})
	backend.gates["a"] = gate
	h := startedHarness(t, backend)

	errc := make(chan error, 1)
	go func() { errc <- h.engine.SelectRoom(context.Background(), "a") }()
	<-backend.started

	if err := h.engine.SelectRoom(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	<-backend.started
	close(gate)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	if active, _ := h.engine.ActiveRoom(); active != "b" {
		t.Errorf("active = %q, want b", active)
	}
	if got := ids(h.engine.CurrentMessages(t0)); len(got) != 1 || got[0] != "b1" {
		t.Errorf("current messages = %v, want [b1]", got)
	}
	if got := ids(h.engine.Messages("a", t0)); len(got) != 1 || got[0] != "a1" {
		t.Errorf("room a messages = %v, want [a1]", got)
	}
	if open := backend.openRoomFeeds(); len(open) != 1 || open[0] != "b" {
		t.Errorf("open room feeds = %v, want [b]", open)
	}
	if room, _ := h.engine.registry.Room("a"); room.UnreadCount != 2 {
		t.Errorf("room a unread = %d, want untouched 2", room.UnreadCount)
	}
	for _, r := range backend.readCalls() {
		if r == "a/me" {
			t.Error("room a marked read although never shown")
		}
	}
}

func TestSelectLoadedRoomSkipsFetch(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}, {ID: "b"}}
	h := startedHarness(t, backend)

	for _, id := range []string{"a", "b", "a"} {
		if err := h.engine.SelectRoom(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(backend.started); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
	if open := backend.openRoomFeeds(); len(open) != 1 || open[0] != "a" {
		t.Errorf("open room feeds = %v, want [a]", open)
	}
}

func TestFetchFailureIsRetryable(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	backend.fetchErr = errors.New("connection reset")
	backend.messages["a"] = []chat.Message{{ID: "m1", SenderID: "u2", CreatedAt: t0}}
	h := startedHarness(t, backend)
	events, unsub := h.bus.Subscribe(bus.KindFetchFailed, 4)
	defer unsub()

	err := h.engine.SelectRoom(context.Background(), "a")
	var fe *chat.FetchError
	if !errors.As(err, &fe) || fe.RoomID != "a" || !fe.Retryable() {
		t.Fatalf("SelectRoom() err = %v, want retryable FetchError for a", err)
	}
	select {
	case evt := <-events:
		if f, ok := evt.Payload.(FetchFailure); !ok || f.RoomID != "a" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no fetch_failed event")
	}
	if got := testutil.ToFloat64(h.metrics.FetchFailures.WithLabelValues("messages")); got != 1 {
		t.Errorf("fetch failures = %v", got)
	}

	backend.mu.Lock()
	backend.fetchErr = nil
	backend.mu.Unlock()
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if got := ids(h.engine.CurrentMessages(t0.Add(time.Minute))); len(got) != 1 {
		t.Errorf("messages after retry = %v", got)
	}
}

func TestSendThenPushYieldsOneEntry(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	h := startedHarness(t, backend)
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	msg, err := h.engine.Send(context.Background(), "a", "me", "hello")
	if err != nil {
		t.Fatal(err)
	}
	backend.pushRoom(t, "a", msg)
	h.sync(t)

	got := h.engine.CurrentMessages(t0)
	if len(got) != 1 || got[0].ID != msg.ID || got[0].Pending {
		t.Fatalf("messages = %+v, want single canonical %s", got, msg.ID)
	}
	if got[0].SenderProfile.DisplayName != "Me" {
		t.Errorf("sender profile = %+v", got[0].SenderProfile)
	}
}

// TestPushBeforeAck: the echo of m-42 arrives while SendMessage is still
// returning. The placeholder is replaced in place and the late ack is a
// duplicate.
func TestPushBeforeAck(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	backend.messages["a"] = []chat.Message{{ID: "m-1", SenderID: "u2", Content: "earlier", CreatedAt: t0.Add(-time.Minute)}}
	h := startedHarness(t, backend)
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	var seenPending bool
	backend.beforeAck = func(m chat.Message) {
		for _, cur := range h.engine.CurrentMessages(t0) {
			if cur.Pending && cur.Content == "hi" {
				seenPending = true
			}
		}
		backend.pushRoom(t, "a", m)
		backend.pushChange(t, chat.RoomChange{Kind: chat.RoomActivity, Room: chat.Room{ID: "a"}, Message: &m})
	}

	msg, err := h.engine.Send(context.Background(), "a", "me", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m-42" {
		t.Fatalf("canonical id = %s", msg.ID)
	}
	if !seenPending {
		t.Error("placeholder not visible before the ack")
	}
	h.sync(t)

	got := h.engine.CurrentMessages(t0)
	if want := []string{"m-1", "m-42"}; len(got) != 2 || got[0].ID != want[0] || got[1].ID != want[1] {
		t.Fatalf("messages = %v, want %v", ids(got), want)
	}
	if got[1].Pending {
		t.Error("m-42 still pending")
	}
	room, _ := h.engine.registry.Room("a")
	if room.UnreadCount != 0 || room.Preview != "hi" {
		t.Errorf("room = %+v, want preview hi and no unread for own send", room)
	}
	if n := testutil.ToFloat64(h.metrics.Reconciliations.WithLabelValues("matched")); n != 1 {
		t.Errorf("matched reconciliations = %v, want 1", n)
	}
}

// TestFetchLandsBeforeAck sends into a room whose first fetch is still
// running; the fetch returns the sent message before SendMessage returns.
func TestFetchLandsBeforeAck(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	gate := make(chan struct{})
	backend.gates["a"] = gate
	h := startedHarness(t, backend)

	selected := make(chan error, 1)
	go func() { selected <- h.engine.SelectRoom(context.Background(), "a") }()
	<-backend.started

	var between []chat.Message
	backend.beforeAck = func(m chat.Message) {
		backend.mu.Lock()
		backend.messages["a"] = []chat.Message{m}
		backend.mu.Unlock()
		close(gate)
		if err := <-selected; err != nil {
			t.Errorf("SelectRoom() = %v", err)
		}
		between = h.engine.Messages("a", t0)
	}

	if _, err := h.engine.Send(context.Background(), "a", "me", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(between) != 1 || between[0].ID != "m-42" || between[0].Pending {
		t.Errorf("visible between fetch and ack = %v, want [m-42]", ids(between))
	}
	got := h.engine.Messages("a", t0)
	if len(got) != 1 || got[0].ID != "m-42" || got[0].Pending {
		t.Errorf("visible after ack = %v, want [m-42]", ids(got))
	}
	if got[0].SenderProfile.DisplayName != "Me" {
		t.Errorf("sender profile = %+v, want the local profile", got[0].SenderProfile)
	}
}

func TestSelfSendsSkipProfileLookup(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	e, err := NewEngine(Config{UserID: "me"}, Deps{
		Backend: backend,
		Logger:  zaptest.NewLogger(t),
		Now:     func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		msg, err := e.Send(context.Background(), "a", "", "hi")
		if err != nil {
			t.Fatal(err)
		}
		if msg.SenderProfile.DisplayName != profile.FallbackName("me") {
			t.Errorf("sender profile = %+v, want the synthesized self profile", msg.SenderProfile)
		}
	}
	backend.mu.Lock()
	n := backend.lookups["me"]
	backend.mu.Unlock()
	if n != 0 {
		t.Errorf("profile lookups for self = %d, want 0", n)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a", Preview: "before", LastActivityAt: t0.Add(-time.Hour)}}
	backend.sendErr = errors.New("insert failed")
	h := startedHarness(t, backend)
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	events, unsub := h.bus.Subscribe(bus.KindSendFailed, 4)
	defer unsub()

	_, err := h.engine.Send(context.Background(), "a", "me", "doomed")
	var se *chat.SendError
	if !errors.As(err, &se) || !se.Retryable() || !chat.IsPlaceholderID(se.PlaceholderID) {
		t.Fatalf("Send() err = %v, want SendError with placeholder id", err)
	}
	if got := h.engine.CurrentMessages(t0); len(got) != 0 {
		t.Errorf("messages = %+v, want placeholder rolled back", got)
	}
	select {
	case evt := <-events:
		f, ok := evt.Payload.(SendFailure)
		if !ok || f.PlaceholderID != se.PlaceholderID || f.Content != "doomed" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}
	if got := testutil.ToFloat64(h.metrics.SendFailures); got != 1 {
		t.Errorf("send failures = %v", got)
	}
	// The optimistic preview is not rolled back.
	if room, _ := h.engine.registry.Room("a"); room.Preview != "doomed" {
		t.Errorf("preview = %q", room.Preview)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	h := startedHarness(t, newFakeBackend())
	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := h.engine.Send(context.Background(), "a", "me", content); !errors.Is(err, chat.ErrEmptyContent) {
			t.Errorf("Send(%q) err = %v, want ErrEmptyContent", content, err)
		}
	}
	if h.backend.sent != 0 {
		t.Errorf("backend received %d sends", h.backend.sent)
	}
}

func TestRoomActivityUnread(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}, {ID: "b"}}
	h := startedHarness(t, backend)
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	other := chat.Message{ID: "x1", RoomID: "b", SenderID: "u2", Content: "ping", CreatedAt: t0}
	backend.pushChange(t, chat.RoomChange{Kind: chat.RoomActivity, Room: chat.Room{ID: "b"}, Message: &other})
	// At-least-once delivery.
	backend.pushChange(t, chat.RoomChange{Kind: chat.RoomActivity, Room: chat.Room{ID: "b"}, Message: &other})
	h.sync(t)

	room, _ := h.engine.registry.Room("b")
	if room.UnreadCount != 1 || room.Preview != "ping" {
		t.Errorf("room b = %+v, want unread 1 preview ping", room)
	}
	if got := ids(h.engine.Messages("b", t0)); len(got) != 1 {
		t.Errorf("room b messages = %v, want one entry", got)
	}

	here := chat.Message{ID: "y1", RoomID: "a", SenderID: "u2", Content: "seen", CreatedAt: t0}
	backend.pushRoom(t, "a", here)
	backend.pushChange(t, chat.RoomChange{Kind: chat.RoomActivity, Room: chat.Room{ID: "a"}, Message: &here})
	h.sync(t)
	room, _ = h.engine.registry.Room("a")
	if room.UnreadCount != 0 || room.Preview != "seen" {
		t.Errorf("active room = %+v, want unread 0 preview seen", room)
	}
	if got := ids(h.engine.CurrentMessages(t0)); len(got) != 1 {
		t.Errorf("active messages = %v, want one entry", got)
	}
}

func TestRoomCreatedAppears(t *testing.T) {
	h := startedHarness(t, newFakeBackend())
	h.backend.pushChange(t, chat.RoomChange{Kind: chat.RoomCreated, Room: chat.Room{ID: "n", Name: "New"}})
	h.sync(t)
	if room, ok := h.engine.registry.Room("n"); !ok || room.Name != "New" {
		t.Errorf("room = %+v ok=%v", room, ok)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	h := startedHarness(t, backend)
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := h.engine.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if h.engine.State() != status.Stopped {
		t.Errorf("state = %s", h.engine.State())
	}
	if open := backend.openRoomFeeds(); len(open) != 0 {
		t.Errorf("room feeds still open: %v", open)
	}
	if backend.listSub.open() {
		t.Error("room list feed still open")
	}
	if err := h.engine.SelectRoom(context.Background(), "a"); !errors.Is(err, chat.ErrStopped) {
		t.Errorf("SelectRoom after Stop err = %v", err)
	}
	if err := h.engine.post(func() {}); !errors.Is(err, chat.ErrStopped) {
		t.Errorf("post after Stop err = %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveSubscriptions); got != 0 {
		t.Errorf("active subscriptions = %v", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	if err := h.engine.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Start(context.Background()); !errors.Is(err, chat.ErrStopped) {
		t.Errorf("Start after Stop err = %v", err)
	}
}

func TestConcurrentSendsKeepOrder(t *testing.T) {
	backend := newFakeBackend()
	backend.rooms = []chat.Room{{ID: "a"}}
	h := startedHarness(t, backend)
	if err := h.engine.SelectRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	var wg stdsync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.engine.Send(context.Background(), "a", "me", fmt.Sprintf("msg %d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got := h.engine.CurrentMessages(t0)
	if len(got) != 5 {
		t.Fatalf("messages = %v, want 5", ids(got))
	}
	seen := make(map[string]bool)
	for _, m := range got {
		if m.Pending || seen[m.ID] {
			t.Errorf("bad entry %+v", m)
		}
		seen[m.ID] = true
	}
}
