package realtime

import (
	"sort"
	"sync"

	"github.com/przewozpl/przewoz/internal/log"
)

// ChannelState tracks the join lifecycle of a channel.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateJoining
	StateJoined
	StateErrored
	StateClosed
)

// wire is the slice of the socket a channel needs to talk to the server.
type wire interface {
	push(msg *Message) error
	makeRef() string
	accessToken() string
}

type pgBinding struct {
	spec PostgresChangeSub
	fn   func(ChangeEvent)
}

type bcBinding struct {
	event string
	fn    func(payload map[string]any)
}

// Channel is the client-side counterpart of one server channel. It owns
// the join handshake, fans inbound messages out to bindings, and queues
// outbound traffic until the join ack so nothing sent right after channel
// creation is dropped.
type Channel struct {
	topic string
	sock  wire

	mu            sync.Mutex
	state         ChannelState
	joinRef       string
	nextBindingID int
	pgBindings    map[int]pgBinding
	bcBindings    map[int]bcBinding
	prBindings    map[int]PresenceHandlers
	statusSubs    map[int]func(SubscribeStatus)
	nextStatusID  int
	queue         []*Message
	presence      *PresenceState
	presenceKey   string
	pendingTrack  map[string]any
	tracked       bool
}

func newChannel(sock wire, topic string) *Channel {
	return &Channel{
		topic:      topic,
		sock:       sock,
		state:      StateIdle,
		pgBindings: make(map[int]pgBinding),
		bcBindings: make(map[int]bcBinding),
		prBindings: make(map[int]PresenceHandlers),
		statusSubs: make(map[int]func(SubscribeStatus)),
		presence:   NewPresenceState(),
	}
}

// Topic returns the channel name.
func (c *Channel) Topic() string {
	return c.topic
}

// State returns the current join state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Presence returns the synchronized presence set.
func (c *Channel) Presence() map[string][]map[string]any {
	return c.presence.Get()
}

// OnPostgresChange attaches a change listener. If the channel is already
// joined the join is resent so the server registers the new subscription.
func (c *Channel) OnPostgresChange(spec PostgresChangeSub, fn func(ChangeEvent)) func() {
	c.mu.Lock()
	id := c.nextBindingID
	c.nextBindingID++
	c.pgBindings[id] = pgBinding{spec: spec, fn: fn}
	rejoin := c.state == StateJoined || c.state == StateJoining
	if rejoin {
		c.joinLocked()
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.pgBindings, id)
		c.mu.Unlock()
	}
}

// OnBroadcast attaches a listener for one broadcast event name.
func (c *Channel) OnBroadcast(event string, fn func(payload map[string]any)) func() {
	c.mu.Lock()
	id := c.nextBindingID
	c.nextBindingID++
	c.bcBindings[id] = bcBinding{event: event, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.bcBindings, id)
		c.mu.Unlock()
	}
}

// OnPresence attaches presence callbacks.
func (c *Channel) OnPresence(h PresenceHandlers) func() {
	c.mu.Lock()
	id := c.nextBindingID
	c.nextBindingID++
	c.prBindings[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.prBindings, id)
		c.mu.Unlock()
	}
}

// Subscribe joins the channel if needed and registers a status callback.
func (c *Channel) Subscribe(onStatus func(SubscribeStatus)) {
	c.mu.Lock()
	if onStatus != nil {
		id := c.nextStatusID
		c.nextStatusID++
		c.statusSubs[id] = onStatus
	}
	alreadyJoined := c.state == StateJoined
	if c.state == StateIdle || c.state == StateErrored {
		c.joinLocked()
	}
	c.mu.Unlock()

	if alreadyJoined && onStatus != nil {
		onStatus(StatusSubscribed)
	}
}

// Track announces the local presence payload, deferring until joined. One
// tracked payload per channel; tracking again replaces the previous one.
func (c *Channel) Track(payload map[string]any) error {
	c.mu.Lock()
	key := c.presenceKey
	if uid, ok := payload["user_id"].(string); ok && uid != "" {
		key = uid
	}
	keyChanged := key != c.presenceKey
	c.presenceKey = key
	c.pendingTrack = payload

	switch {
	case c.state == StateJoined && !keyChanged:
		msg := NewPresenceTrackMessage(c.topic, c.joinRef, c.sock.makeRef(), payload)
		c.tracked = true
		c.mu.Unlock()
		return c.sock.push(msg)
	case c.state == StateJoined || c.state == StateJoining:
		// Presence key is fixed at join time, so a changed key forces a
		// fresh join; the pending payload is announced on the ack.
		c.joinLocked()
		c.mu.Unlock()
		return nil
	default:
		c.joinLocked()
		c.mu.Unlock()
		return nil
	}
}

// Untrack withdraws the local presence entry.
func (c *Channel) Untrack() error {
	c.mu.Lock()
	c.pendingTrack = nil
	send := c.state == StateJoined && c.tracked
	c.tracked = false
	var msg *Message
	if send {
		msg = NewPresenceUntrackMessage(c.topic, c.joinRef, c.sock.makeRef())
	}
	c.mu.Unlock()

	if msg != nil {
		return c.sock.push(msg)
	}
	return nil
}

// Send publishes a broadcast, queuing it until the channel is joined.
func (c *Channel) Send(event string, payload map[string]any) error {
	c.mu.Lock()
	msg := NewBroadcastMessage(c.topic, c.joinRef, c.sock.makeRef(), event, payload)
	if c.state != StateJoined {
		c.queue = append(c.queue, msg)
		if c.state == StateIdle || c.state == StateErrored {
			c.joinLocked()
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.sock.push(msg)
}

// joinLocked sends (or resends) the phx_join. Caller holds c.mu.
func (c *Channel) joinLocked() {
	c.state = StateJoining
	c.joinRef = c.sock.makeRef()

	config := JoinConfig{
		Broadcast: BroadcastConfig{Self: true},
		Presence:  PresenceConfig{Key: c.presenceKey},
	}
	specs := make([]PostgresChangeSub, 0, len(c.pgBindings))
	for _, id := range sortedKeys(c.pgBindings) {
		specs = append(specs, c.pgBindings[id].spec)
	}
	config.PostgresChanges = specs

	msg := NewJoinMessage(c.topic, c.joinRef, config, c.sock.accessToken())
	if err := c.sock.push(msg); err != nil {
		log.Debug("realtime: join send failed", "topic", c.topic, "error", err.Error())
	}
}

// leave tears the channel down. Called by the socket when the registry
// reclaims the channel.
func (c *Channel) leave() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	joined := c.state == StateJoined || c.state == StateJoining
	joinRef := c.joinRef
	c.state = StateClosed
	c.queue = nil
	c.pendingTrack = nil
	c.tracked = false
	c.mu.Unlock()

	if joined {
		msg := NewLeaveMessage(c.topic, joinRef, c.sock.makeRef())
		if err := c.sock.push(msg); err != nil {
			log.Debug("realtime: leave send failed", "topic", c.topic, "error", err.Error())
		}
	}
	c.notifyStatus(StatusClosed)
}

// handleDisconnect marks the channel errored after a transport drop. The
// presence state is cleared; the server resends it on rejoin.
func (c *Channel) handleDisconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasLive := c.state == StateJoined || c.state == StateJoining
	c.state = StateErrored
	c.tracked = false
	c.mu.Unlock()

	c.presence.Reset()
	if wasLive {
		c.notifyStatus(StatusChannelError)
	}
}

// rejoin re-sends the join after a reconnect. Channels the registry has
// already closed stay closed.
func (c *Channel) rejoin() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.joinLocked()
	c.mu.Unlock()
}

// handleMessage routes one inbound server message. Callbacks run without
// the channel lock held so a handler's own cleanup cannot deadlock.
func (c *Channel) handleMessage(msg *Message) {
	switch msg.Event {
	case EventReply:
		c.handleReply(msg)
	case EventPostgres:
		c.handleChange(msg)
	case EventBroadcast:
		c.handleBroadcast(msg)
	case EventPresenceState:
		c.handlePresenceState(msg)
	case EventPresenceDiff:
		c.handlePresenceDiff(msg)
	case EventSystem:
		log.Debug("realtime: system message", "topic", c.topic, "payload", msg.Payload)
	case EventError:
		c.mu.Lock()
		c.state = StateErrored
		c.mu.Unlock()
		c.notifyStatus(StatusChannelError)
	case EventClose:
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.notifyStatus(StatusClosed)
	default:
		log.Debug("realtime: unknown event", "topic", c.topic, "event", msg.Event)
	}
}

// handleReply resolves the join handshake. Replies to other refs
// (heartbeats are on the phoenix topic, sends are fire-and-forget) are
// ignored.
func (c *Channel) handleReply(msg *Message) {
	c.mu.Lock()
	if msg.Ref != c.joinRef || c.state != StateJoining {
		c.mu.Unlock()
		return
	}

	status, response := ParseReply(msg.Payload)
	if status != "ok" {
		c.state = StateErrored
		c.mu.Unlock()
		log.Warn("realtime: join rejected", "topic", c.topic, "response", response)
		c.notifyStatus(StatusChannelError)
		return
	}

	c.state = StateJoined
	queued := c.queue
	c.queue = nil
	var track *Message
	if c.pendingTrack != nil {
		track = NewPresenceTrackMessage(c.topic, c.joinRef, c.sock.makeRef(), c.pendingTrack)
		c.tracked = true
	}
	c.mu.Unlock()

	for _, m := range queued {
		m.JoinRef = msg.JoinRef
		if err := c.sock.push(m); err != nil {
			log.Debug("realtime: queued send failed", "topic", c.topic, "error", err.Error())
		}
	}
	if track != nil {
		if err := c.sock.push(track); err != nil {
			log.Debug("realtime: presence announce failed", "topic", c.topic, "error", err.Error())
		}
	}
	c.notifyStatus(StatusSubscribed)
}

func (c *Channel) handleChange(msg *Message) {
	ev, err := ParseChangePayload(msg.Payload)
	if err != nil {
		log.Debug("realtime: bad change payload", "topic", c.topic, "error", err.Error())
		return
	}

	c.mu.Lock()
	matched := make([]func(ChangeEvent), 0, len(c.pgBindings))
	for _, id := range sortedKeys(c.pgBindings) {
		b := c.pgBindings[id]
		if bindingMatches(b.spec, ev) {
			matched = append(matched, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range matched {
		fn(*ev)
	}
}

func (c *Channel) handleBroadcast(msg *Message) {
	event, inner := ParseBroadcastPayload(msg.Payload)

	c.mu.Lock()
	matched := make([]func(map[string]any), 0, len(c.bcBindings))
	for _, id := range sortedKeys(c.bcBindings) {
		b := c.bcBindings[id]
		if b.event == event {
			matched = append(matched, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range matched {
		fn(inner)
	}
}

func (c *Channel) handlePresenceState(msg *Message) {
	state := ParsePresenceState(msg.Payload)
	joins, leaves := c.presence.Replace(state)
	c.firePresence(joins, leaves)
}

func (c *Channel) handlePresenceDiff(msg *Message) {
	joins, leaves := ParsePresenceDiff(msg.Payload)
	joined, left := c.presence.ApplyDiff(joins, leaves)
	c.firePresence(joined, left)
}

// firePresence delivers join/leave deltas then a sync, so consumers always
// see the full set at least once before trusting increments.
func (c *Channel) firePresence(joins, leaves map[string][]map[string]any) {
	c.mu.Lock()
	handlers := make([]PresenceHandlers, 0, len(c.prBindings))
	for _, id := range sortedKeys(c.prBindings) {
		handlers = append(handlers, c.prBindings[id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		if h.OnJoin != nil {
			for _, key := range sortedKeys(joins) {
				h.OnJoin(key, joins[key])
			}
		}
		if h.OnLeave != nil {
			for _, key := range sortedKeys(leaves) {
				h.OnLeave(key, leaves[key])
			}
		}
		if h.OnSync != nil {
			h.OnSync()
		}
	}
}

func (c *Channel) notifyStatus(status SubscribeStatus) {
	c.mu.Lock()
	subs := make([]func(SubscribeStatus), 0, len(c.statusSubs))
	for _, id := range sortedKeys(c.statusSubs) {
		subs = append(subs, c.statusSubs[id])
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

func sortedKeys[K ~int | ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
