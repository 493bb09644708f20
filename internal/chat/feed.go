// Package chat provides the realtime side of one open conversation: the
// incoming message feed, the typing indicator and participant presence.
package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/przewozpl/przewoz/internal/log"
	"github.com/przewozpl/przewoz/internal/realtime"
	"github.com/przewozpl/przewoz/internal/types"
)

const lookupTimeout = 10 * time.Second

// Directory resolves sender IDs to identities.
type Directory interface {
	UserSummary(ctx context.Context, userID string) (types.UserSummary, error)
}

// ReadMarker flags messages as read in the backing store.
type ReadMarker interface {
	MarkMessageRead(ctx context.Context, messageID string) error
}

// Message is one enriched conversation message.
type Message struct {
	ID             string
	ConversationID string
	Text           string
	CreatedAt      string
	IsRead         bool
	Sender         types.UserSummary
}

// Appender receives enriched messages in arrival order.
type Appender interface {
	Append(msg Message)
}

// MessageLog is an in-memory Appender deduplicating by message ID.
type MessageLog struct {
	mu   sync.Mutex
	byID map[string]bool
	msgs []Message
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{byID: make(map[string]bool)}
}

// Append records a message unless its ID was already seen.
func (l *MessageLog) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.ID == "" || l.byID[msg.ID] {
		return
	}
	l.byID[msg.ID] = true
	l.msgs = append(l.msgs, msg)
}

// Messages returns the log contents in arrival order.
func (l *MessageLog) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Feed streams new messages of one conversation into an Appender. Messages
// from the other party are marked read on arrival, mirroring the open chat
// window being the read receipt.
type Feed struct {
	mgr            *realtime.Manager
	dir            Directory
	marker         ReadMarker
	sink           Appender
	conversationID string
	userID         string

	mu      sync.Mutex
	unsub   func()
	stopped bool
}

// NewFeed creates a feed for one conversation; call Start to subscribe.
func NewFeed(mgr *realtime.Manager, dir Directory, marker ReadMarker, sink Appender, conversationID, userID string) *Feed {
	return &Feed{
		mgr:            mgr,
		dir:            dir,
		marker:         marker,
		sink:           sink,
		conversationID: conversationID,
		userID:         userID,
	}
}

// Start subscribes to inserts on this conversation's messages.
func (f *Feed) Start() {
	unsub := f.mgr.OnTableChanges(
		"messages:"+f.conversationID,
		"public", "messages", "INSERT",
		"conversation_id=eq."+f.conversationID,
		f.onInsert,
	)

	f.mu.Lock()
	f.unsub = unsub
	f.stopped = false
	f.mu.Unlock()
}

// Stop unsubscribes; enrichments still in flight are discarded.
func (f *Feed) Stop() {
	f.mu.Lock()
	unsub := f.unsub
	f.unsub = nil
	f.stopped = true
	f.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (f *Feed) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped
}

func (f *Feed) onInsert(ev realtime.ChangeEvent) {
	row, err := types.MessageFromRecord(ev.New)
	if err != nil {
		log.Warn("chat: bad message payload", "error", err.Error())
		return
	}
	go f.deliver(row)
	if row.SenderID != f.userID && f.marker != nil {
		go f.markRead(row.ID)
	}
}

func (f *Feed) deliver(row types.MessageRow) {
	sender := f.lookupUser(row.SenderID)
	if !f.alive() {
		return
	}
	f.sink.Append(Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Text:           row.Text,
		CreatedAt:      row.CreatedAt,
		IsRead:         row.IsRead,
		Sender:         sender,
	})
}

// markRead is fire and forget; a failure leaves the message unread and the
// notification feed handles it like any other unread message.
func (f *Feed) markRead(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	if err := f.marker.MarkMessageRead(ctx, messageID); err != nil {
		log.Debug("chat: mark read failed", "message_id", messageID, "error", err.Error())
	}
}

func (f *Feed) lookupUser(userID string) types.UserSummary {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	sender, err := f.dir.UserSummary(ctx, userID)
	if err != nil {
		log.Debug("chat: user lookup failed", "user_id", userID, "error", err.Error())
		return types.UnknownUser(userID)
	}
	return sender
}

func sortedParticipants(byID map[string]*Participant) []Participant {
	out := make([]Participant, 0, len(byID))
	for _, p := range byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
