// internal/realtime/manager_test.go
package realtime

import (
	"sync"
	"testing"
)

// fakeTransport hands out in-process channels and records removals.
type fakeTransport struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	removed  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*fakeChannel)}
}

func (t *fakeTransport) Channel(topic string) TransportChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[topic]; ok {
		return ch
	}
	ch := &fakeChannel{topic: topic}
	t.channels[topic] = ch
	return ch
}

func (t *fakeTransport) RemoveChannel(ch TransportChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, ch.Topic())
	delete(t.channels, ch.Topic())
}

func (t *fakeTransport) removedTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.removed))
	copy(out, t.removed)
	return out
}

type fakePgBinding struct {
	spec PostgresChangeSub
	fn   func(ChangeEvent)
}

type fakeBcBinding struct {
	event string
	fn    func(map[string]any)
}

// fakeChannel implements TransportChannel for manager tests. Events are
// injected with emitChange/emitBroadcast/emitPresence.
type fakeChannel struct {
	mu         sync.Mutex
	topic      string
	pg         []*fakePgBinding
	bc         []*fakeBcBinding
	pr         []*PresenceHandlers
	subscribes int
	tracked    map[string]any
	untracked  int
	sent       []Message
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) OnPostgresChange(spec PostgresChangeSub, fn func(ChangeEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &fakePgBinding{spec: spec, fn: fn}
	c.pg = append(c.pg, b)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.pg {
			if existing == b {
				c.pg = append(c.pg[:i], c.pg[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeChannel) OnBroadcast(event string, fn func(payload map[string]any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &fakeBcBinding{event: event, fn: fn}
	c.bc = append(c.bc, b)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.bc {
			if existing == b {
				c.bc = append(c.bc[:i], c.bc[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeChannel) OnPresence(h PresenceHandlers) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	hp := &h
	c.pr = append(c.pr, hp)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.pr {
			if existing == hp {
				c.pr = append(c.pr[:i], c.pr[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeChannel) Subscribe(onStatus func(SubscribeStatus)) {
	c.mu.Lock()
	c.subscribes++
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(StatusSubscribed)
	}
}

func (c *fakeChannel) Track(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = payload
	return nil
}

func (c *fakeChannel) Untrack() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untracked++
	return nil
}

func (c *fakeChannel) Send(event string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Message{Event: event, Payload: payload})
	return nil
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pg) + len(c.bc)
}

func (c *fakeChannel) emitChange(ev ChangeEvent) {
	c.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(c.pg))
	for _, b := range c.pg {
		fns = append(fns, b.fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *fakeChannel) emitBroadcast(event string, payload map[string]any) {
	c.mu.Lock()
	fns := make([]func(map[string]any), 0, len(c.bc))
	for _, b := range c.bc {
		if b.event == event {
			fns = append(fns, b.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *fakeChannel) emitPresenceJoin(key string, metas []map[string]any) {
	c.mu.Lock()
	handlers := append([]*PresenceHandlers(nil), c.pr...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h.OnJoin != nil {
			h.OnJoin(key, metas)
		}
		if h.OnSync != nil {
			h.OnSync()
		}
	}
}

func messageInsert(receiverID string) ChangeEvent {
	return ChangeEvent{
		Schema:    "public",
		Table:     "messages",
		EventType: "INSERT",
		New:       map[string]any{"id": "m1", "receiver_id": receiverID},
	}
}

func TestManagerSharesOneListenerAcrossHandlers(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	var calls1, calls2, calls3 int
	mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "receiver_id=eq.u1",
		func(ev ChangeEvent) { calls1++ })
	mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "receiver_id=eq.u1",
		func(ev ChangeEvent) { calls2++ })
	mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "receiver_id=eq.u1",
		func(ev ChangeEvent) { calls3++ })

	ch := transport.channels["notif:u1"]
	if ch == nil {
		t.Fatal("channel should exist")
	}
	if got := ch.listenerCount(); got != 1 {
		t.Fatalf("three handlers for one tuple should share one listener, got %d", got)
	}

	ch.emitChange(messageInsert("u1"))

	if calls1 != 1 || calls2 != 1 || calls3 != 1 {
		t.Errorf("all handlers should fire once: %d %d %d", calls1, calls2, calls3)
	}
}

func TestManagerDistinctTuplesGetDistinctListeners(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "receiver_id=eq.u1", func(ev ChangeEvent) {})
	mgr.OnTableChanges("notif:u1", "public", "messages", "UPDATE", "receiver_id=eq.u1", func(ev ChangeEvent) {})
	mgr.OnTableChanges("notif:u1", "public", "offers", "INSERT", "creator_id=eq.u1", func(ev ChangeEvent) {})

	ch := transport.channels["notif:u1"]
	if got := ch.listenerCount(); got != 3 {
		t.Errorf("three tuples should hold three listeners, got %d", got)
	}
}

func TestManagerUnsubscribeReclaimsChannelOnLastHandler(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	unsub1 := mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "", func(ev ChangeEvent) {})
	unsub2 := mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "", func(ev ChangeEvent) {})

	unsub1()
	if len(transport.removedTopics()) != 0 {
		t.Fatal("channel should survive while a handler remains")
	}

	unsub2()
	removed := transport.removedTopics()
	if len(removed) != 1 || removed[0] != "notif:u1" {
		t.Errorf("last unsubscribe should remove the channel, got %v", removed)
	}
}

func TestManagerUnsubscribeIdempotent(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	unsub := mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "", func(ev ChangeEvent) {})
	unsub()
	unsub()

	if len(transport.removedTopics()) != 1 {
		t.Errorf("double unsubscribe should remove the channel once, got %v", transport.removedTopics())
	}
}

func TestManagerPresenceKeepsChannelAlive(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	unsubChanges := mgr.OnTableChanges("conv:1", "public", "messages", "INSERT", "", func(ev ChangeEvent) {})
	leave := mgr.JoinPresence("conv:1", map[string]any{"user_id": "u1"}, nil, nil, nil)

	unsubChanges()
	if len(transport.removedTopics()) != 0 {
		t.Fatal("presence registration should keep the channel alive")
	}

	leave()
	if len(transport.removedTopics()) != 1 {
		t.Errorf("channel should be reclaimed after presence leave, got %v", transport.removedTopics())
	}
}

func TestManagerJoinPresenceTracksPayload(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	var joins []string
	mgr.JoinPresence("online-users",
		map[string]any{"user_id": "u1", "username": "anna"},
		nil,
		func(key string, metas []map[string]any) { joins = append(joins, key) },
		nil,
	)

	ch := transport.channels["online-users"]
	if ch == nil {
		t.Fatal("presence channel should exist")
	}
	if ch.tracked == nil || ch.tracked["user_id"] != "u1" {
		t.Errorf("payload should be tracked, got %v", ch.tracked)
	}

	ch.emitPresenceJoin("u2", []map[string]any{{"username": "bartek"}})
	if len(joins) != 1 || joins[0] != "u2" {
		t.Errorf("join callback mismatch: %v", joins)
	}
}

func TestManagerJoinPresenceReplacesPrevious(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	var first, second int
	mgr.JoinPresence("online-users", map[string]any{"user_id": "u1"}, nil,
		func(key string, metas []map[string]any) { first++ }, nil)
	mgr.JoinPresence("online-users", map[string]any{"user_id": "u1"}, nil,
		func(key string, metas []map[string]any) { second++ }, nil)

	ch := transport.channels["online-users"]
	ch.emitPresenceJoin("u2", nil)

	if first != 0 {
		t.Errorf("replaced registration should not fire, got %d", first)
	}
	if second != 1 {
		t.Errorf("current registration should fire, got %d", second)
	}
}

func TestManagerBroadcastSubscribesAndSends(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	mgr.Broadcast("typing:conv-1", "typing", map[string]any{"isTyping": true})

	ch := transport.channels["typing:conv-1"]
	if ch == nil {
		t.Fatal("broadcast should create the channel")
	}
	if ch.subscribes == 0 {
		t.Error("broadcast should subscribe the channel first")
	}
	if len(ch.sent) != 1 || ch.sent[0].Event != "typing" {
		t.Errorf("broadcast should send the payload, got %v", ch.sent)
	}
}

func TestManagerOnBroadcastSharedListener(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	var a, b int
	mgr.OnBroadcast("typing:conv-1", "typing", func(payload map[string]any) { a++ })
	unsubB := mgr.OnBroadcast("typing:conv-1", "typing", func(payload map[string]any) { b++ })

	ch := transport.channels["typing:conv-1"]
	if got := ch.listenerCount(); got != 1 {
		t.Fatalf("two handlers should share one listener, got %d", got)
	}

	ch.emitBroadcast("typing", map[string]any{"userId": "u2"})
	if a != 1 || b != 1 {
		t.Errorf("both handlers should fire: a=%d b=%d", a, b)
	}

	unsubB()
	ch.emitBroadcast("typing", map[string]any{"userId": "u2"})
	if a != 2 || b != 1 {
		t.Errorf("only the remaining handler should fire: a=%d b=%d", a, b)
	}
}

func TestManagerCleanupRemovesEverything(t *testing.T) {
	transport := newFakeTransport()
	mgr := NewManager(transport)

	unsub := mgr.OnTableChanges("notif:u1", "public", "messages", "INSERT", "", func(ev ChangeEvent) {})
	mgr.OnBroadcast("typing:conv-1", "typing", func(payload map[string]any) {})
	mgr.JoinPresence("online-users", map[string]any{"user_id": "u1"}, nil, nil, nil)

	mgr.Cleanup()

	if got := len(transport.removedTopics()); got != 3 {
		t.Errorf("cleanup should remove all 3 channels, got %d", got)
	}

	// Unsubscribe functions outstanding at cleanup become no-ops.
	unsub()
	if got := len(transport.removedTopics()); got != 3 {
		t.Errorf("stale unsubscribe should be a no-op, got %d removals", got)
	}
}
