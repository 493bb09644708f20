package realtime

import (
	"sync"

	"github.com/przewozpl/przewoz/internal/log"
)

// ChangeHandler receives a database change event.
type ChangeHandler func(ChangeEvent)

// BroadcastHandler receives a broadcast payload.
type BroadcastHandler func(payload map[string]any)

// handlerSet is the fan-out target for one discriminator. The transport
// binding behind it is attached once, on the first handler, and detached
// when the last handler unregisters.
type handlerSet struct {
	nextID     int
	changes    map[int]ChangeHandler
	broadcasts map[int]BroadcastHandler
	detach     func()
}

func (hs *handlerSet) empty() bool {
	return len(hs.changes) == 0 && len(hs.broadcasts) == 0
}

// presenceReg is the single local presence registration on a channel.
type presenceReg struct {
	removeBinding func()
}

// Manager deduplicates realtime subscriptions across independent
// consumers: any number of handlers can observe the same change tuple or
// broadcast event over one transport listener, and a channel's underlying
// subscription is torn down only when its last handler and its presence
// registration are both gone. Construct one per session and pass it by
// reference; a fresh Manager per test keeps the invariants checkable.
type Manager struct {
	mu        sync.Mutex
	transport Transport
	channels  map[string]TransportChannel
	handlers  map[string]*handlerSet
	presence  map[string]*presenceReg
}

// NewManager creates a manager on top of a transport.
func NewManager(transport Transport) *Manager {
	return &Manager{
		transport: transport,
		channels:  make(map[string]TransportChannel),
		handlers:  make(map[string]*handlerSet),
		presence:  make(map[string]*presenceReg),
	}
}

// changeKey builds the discriminator for a change subscription.
func changeKey(channel, schema, table, event, filter string) string {
	return channel + ":" + schema + ":" + table + ":" + event + ":" + filter
}

// broadcastKey builds the discriminator for a broadcast subscription.
func broadcastKey(channel, event string) string {
	return channel + ":broadcast:" + event
}

// getOrCreateLocked resolves the shared channel for a name. Caller holds m.mu.
func (m *Manager) getOrCreateLocked(name string) TransportChannel {
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := m.transport.Channel(name)
	m.channels[name] = ch
	return ch
}

// OnTableChanges registers a handler for database changes matching the
// (channel, schema, table, event, filter) tuple. The first handler for a
// tuple attaches one transport listener; later handlers share it. The
// returned function unregisters this handler only, detaching the listener
// and reclaiming the channel when it was the last one.
func (m *Manager) OnTableChanges(channelName, schema, table, event, filter string, handler ChangeHandler) func() {
	key := changeKey(channelName, schema, table, event, filter)

	m.mu.Lock()
	ch := m.getOrCreateLocked(channelName)

	set, ok := m.handlers[key]
	if !ok {
		set = &handlerSet{
			changes:    make(map[int]ChangeHandler),
			broadcasts: make(map[int]BroadcastHandler),
		}
		m.handlers[key] = set
	}
	id := set.nextID
	set.nextID++
	set.changes[id] = handler

	first := len(set.changes) == 1
	if first {
		spec := PostgresChangeSub{Event: event, Schema: schema, Table: table, Filter: filter}
		set.detach = ch.OnPostgresChange(spec, func(ev ChangeEvent) {
			m.dispatchChange(key, ev)
		})
	}
	m.mu.Unlock()

	if first {
		ch.Subscribe(nil)
	}

	return func() {
		m.removeHandler(channelName, key, id)
	}
}

// OnBroadcast registers a handler for a broadcast event on a channel,
// with the same one-listener-many-handlers discipline as OnTableChanges.
func (m *Manager) OnBroadcast(channelName, event string, handler BroadcastHandler) func() {
	key := broadcastKey(channelName, event)

	m.mu.Lock()
	ch := m.getOrCreateLocked(channelName)

	set, ok := m.handlers[key]
	if !ok {
		set = &handlerSet{
			changes:    make(map[int]ChangeHandler),
			broadcasts: make(map[int]BroadcastHandler),
		}
		m.handlers[key] = set
	}
	id := set.nextID
	set.nextID++
	set.broadcasts[id] = handler

	first := len(set.broadcasts) == 1
	if first {
		set.detach = ch.OnBroadcast(event, func(payload map[string]any) {
			m.dispatchBroadcast(key, payload)
		})
	}
	m.mu.Unlock()

	if first {
		ch.Subscribe(nil)
	}

	return func() {
		m.removeHandler(channelName, key, id)
	}
}

// Broadcast publishes a payload on a channel. The channel is subscribed
// first if needed; the transport queues the send until the join
// completes, so the first message after channel creation is not lost.
func (m *Manager) Broadcast(channelName, event string, payload map[string]any) {
	m.mu.Lock()
	ch := m.getOrCreateLocked(channelName)
	m.mu.Unlock()

	ch.Subscribe(nil)
	if err := ch.Send(event, payload); err != nil {
		log.Debug("realtime: broadcast failed", "channel", channelName, "event", event, "error", err.Error())
	}
}

// JoinPresence announces the local client's payload on a channel and
// registers sync/join/leave callbacks. A channel carries at most one local
// payload; joining again replaces it. The returned function withdraws the
// presence entry and reclaims the channel when nothing else uses it.
func (m *Manager) JoinPresence(channelName string, payload map[string]any, onSync func(), onJoin, onLeave func(key string, metas []map[string]any)) func() {
	m.mu.Lock()
	ch := m.getOrCreateLocked(channelName)

	if prev, ok := m.presence[channelName]; ok && prev.removeBinding != nil {
		prev.removeBinding()
	}
	reg := &presenceReg{}
	m.presence[channelName] = reg
	m.mu.Unlock()

	remove := ch.OnPresence(PresenceHandlers{OnSync: onSync, OnJoin: onJoin, OnLeave: onLeave})

	m.mu.Lock()
	if current, ok := m.presence[channelName]; ok && current == reg {
		reg.removeBinding = remove
	} else {
		// Replaced concurrently; drop our binding.
		m.mu.Unlock()
		remove()
		return func() {}
	}
	m.mu.Unlock()

	ch.Subscribe(nil)
	if err := ch.Track(payload); err != nil {
		log.Debug("realtime: presence track failed", "channel", channelName, "error", err.Error())
	}

	return func() {
		m.mu.Lock()
		current, ok := m.presence[channelName]
		if !ok || current != reg {
			m.mu.Unlock()
			return
		}
		delete(m.presence, channelName)
		m.mu.Unlock()

		if err := ch.Untrack(); err != nil {
			log.Debug("realtime: presence untrack failed", "channel", channelName, "error", err.Error())
		}
		remove()
		m.removeChannelIfUnused(channelName)
	}
}

// Cleanup tears down every channel, e.g. on logout. Outstanding
// unsubscribe functions become no-ops rather than errors.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]TransportChannel)
	m.handlers = make(map[string]*handlerSet)
	m.presence = make(map[string]*presenceReg)
	m.mu.Unlock()

	for name, ch := range channels {
		m.transport.RemoveChannel(ch)
		log.Debug("realtime: channel removed", "channel", name)
	}
}

// removeHandler drops one handler registration. Idempotent: calling an
// unsubscribe function twice, or after Cleanup, is a no-op.
func (m *Manager) removeHandler(channelName, key string, id int) {
	m.mu.Lock()
	set, ok := m.handlers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, found := set.changes[id]; found {
		delete(set.changes, id)
	} else if _, found := set.broadcasts[id]; found {
		delete(set.broadcasts, id)
	} else {
		m.mu.Unlock()
		return
	}

	var detach func()
	if set.empty() {
		detach = set.detach
		delete(m.handlers, key)
	}
	m.mu.Unlock()

	if detach != nil {
		detach()
		m.removeChannelIfUnused(channelName)
	}
}

// removeChannelIfUnused reclaims a channel once no handler registration
// and no presence registration reference it. Safe to call redundantly.
func (m *Manager) removeChannelIfUnused(channelName string) {
	m.mu.Lock()
	if _, ok := m.presence[channelName]; ok {
		m.mu.Unlock()
		return
	}
	prefix := channelName + ":"
	for key := range m.handlers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			m.mu.Unlock()
			return
		}
	}
	ch, ok := m.channels[channelName]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.channels, channelName)
	m.mu.Unlock()

	m.transport.RemoveChannel(ch)
}

// dispatchChange fans one change event out to every handler currently
// registered for the discriminator. The snapshot is taken before invoking
// anything so a handler unsubscribing mid-delivery cannot deadlock.
func (m *Manager) dispatchChange(key string, ev ChangeEvent) {
	m.mu.Lock()
	set, ok := m.handlers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	handlers := make([]ChangeHandler, 0, len(set.changes))
	for _, id := range sortedKeys(set.changes) {
		handlers = append(handlers, set.changes[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) dispatchBroadcast(key string, payload map[string]any) {
	m.mu.Lock()
	set, ok := m.handlers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	handlers := make([]BroadcastHandler, 0, len(set.broadcasts))
	for _, id := range sortedKeys(set.broadcasts) {
		handlers = append(handlers, set.broadcasts[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
