package realtime

// SubscribeStatus is reported to subscribers as the underlying channel
// moves through its lifecycle. StatusSubscribed is the terminal success
// state; everything else means the channel is not (or no longer) live.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// PresenceHandlers bundles the presence callbacks a consumer can register.
// Any of the fields may be nil.
type PresenceHandlers struct {
	OnSync  func()
	OnJoin  func(key string, metas []map[string]any)
	OnLeave func(key string, metas []map[string]any)
}

// TransportChannel is one named channel on the underlying transport. The
// Manager is its only long-lived owner; consumers reach it exclusively
// through Manager subscriptions.
type TransportChannel interface {
	Topic() string

	// OnPostgresChange attaches a change listener and returns its detach
	// function. Adding a listener to an already joined channel resends the
	// join so the server picks up the new subscription.
	OnPostgresChange(spec PostgresChangeSub, fn func(ChangeEvent)) func()

	// OnBroadcast attaches a listener for one broadcast event name.
	OnBroadcast(event string, fn func(payload map[string]any)) func()

	// OnPresence attaches presence callbacks.
	OnPresence(h PresenceHandlers) func()

	// Subscribe joins the channel if it is not joined yet. onStatus may be
	// nil; when the channel is already joined it is invoked immediately
	// with StatusSubscribed.
	Subscribe(onStatus func(SubscribeStatus))

	// Track announces the local client's presence payload. The announce is
	// deferred until the channel reaches the joined state.
	Track(payload map[string]any) error

	// Untrack withdraws the local client's presence entry.
	Untrack() error

	// Send publishes a broadcast. Messages sent before the join completes
	// are queued and flushed in order on the join ack.
	Send(event string, payload map[string]any) error
}

// Transport hands out channels by name and reclaims them. *Socket is the
// production implementation; tests substitute an in-process fake.
type Transport interface {
	Channel(topic string) TransportChannel
	RemoveChannel(ch TransportChannel)
}
