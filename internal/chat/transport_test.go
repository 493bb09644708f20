package chat

import (
	"sync"

	"github.com/przewozpl/przewoz/internal/realtime"
)

// fakeTransport implements realtime.Transport in-process so the chat
// components can be driven without a socket.
type fakeTransport struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*fakeChannel)}
}

func (t *fakeTransport) Channel(topic string) realtime.TransportChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[topic]; ok {
		return ch
	}
	ch := &fakeChannel{topic: topic}
	t.channels[topic] = ch
	return ch
}

func (t *fakeTransport) RemoveChannel(ch realtime.TransportChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch.Topic())
}

func (t *fakeTransport) channel(topic string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[topic]
}

type sentBroadcast struct {
	event   string
	payload map[string]any
}

type fakeChannel struct {
	mu        sync.Mutex
	topic     string
	changes   []func(realtime.ChangeEvent)
	bcEvents  []string
	bcFns     []func(map[string]any)
	presences []*realtime.PresenceHandlers
	tracked   map[string]any
	untracked int
	sent      []sentBroadcast
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) OnPostgresChange(spec realtime.PostgresChangeSub, fn func(realtime.ChangeEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, fn)
	return func() {}
}

func (c *fakeChannel) OnBroadcast(event string, fn func(payload map[string]any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bcEvents = append(c.bcEvents, event)
	c.bcFns = append(c.bcFns, fn)
	return func() {}
}

func (c *fakeChannel) OnPresence(h realtime.PresenceHandlers) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences = append(c.presences, &h)
	return func() {}
}

func (c *fakeChannel) Subscribe(onStatus func(realtime.SubscribeStatus)) {
	if onStatus != nil {
		onStatus(realtime.StatusSubscribed)
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
	c.sent = append(c.sent, sentBroadcast{event: event, payload: payload})
	return nil
}

func (c *fakeChannel) emitChange(ev realtime.ChangeEvent) {
	c.mu.Lock()
	fns := append(([]func(realtime.ChangeEvent))(nil), c.changes...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *fakeChannel) emitBroadcast(event string, payload map[string]any) {
	c.mu.Lock()
	var fns []func(map[string]any)
	for i, e := range c.bcEvents {
		if e == event {
			fns = append(fns, c.bcFns[i])
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *fakeChannel) emitPresenceJoin(key string, metas []map[string]any) {
	c.mu.Lock()
	handlers := append([]*realtime.PresenceHandlers(nil), c.presences...)
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

func (c *fakeChannel) emitPresenceLeave(key string, metas []map[string]any) {
	c.mu.Lock()
	handlers := append([]*realtime.PresenceHandlers(nil), c.presences...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h.OnLeave != nil {
			h.OnLeave(key, metas)
		}
		if h.OnSync != nil {
			h.OnSync()
		}
	}
}

func (c *fakeChannel) sentBroadcasts() []sentBroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentBroadcast, len(c.sent))
	copy(out, c.sent)
	return out
}
