package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/przewozpl/przewoz/internal/realtime"
)

// typingExpiry is how long a typing announcement stays valid without a
// renewal before an automatic "stopped typing" is broadcast.
const typingExpiry = 3 * time.Second

// TypingPeer is another participant currently typing.
type TypingPeer struct {
	UserID   string
	Username string
}

// Typing broadcasts and tracks typing indicators for one conversation.
// Announcing typing arms a timer; renewing resets it, and expiry
// broadcasts the stop automatically so a closed laptop lid does not leave
// a phantom "is typing" on the other side.
type Typing struct {
	mgr            *realtime.Manager
	conversationID string
	userID         string
	username       string
	expiry         time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	typing bool
	peers  map[string]string
	unsub  func()
}

// NewTyping creates a typing tracker; call Start to subscribe.
func NewTyping(mgr *realtime.Manager, conversationID, userID, username string) *Typing {
	return &Typing{
		mgr:            mgr,
		conversationID: conversationID,
		userID:         userID,
		username:       username,
		expiry:         typingExpiry,
		peers:          make(map[string]string),
	}
}

func (t *Typing) channel() string {
	return "typing:" + t.conversationID
}

// Start subscribes to the conversation's typing broadcasts.
func (t *Typing) Start() {
	unsub := t.mgr.OnBroadcast(t.channel(), "typing", t.onTyping)

	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
}

// Stop withdraws any live typing announcement and unsubscribes.
func (t *Typing) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasTyping := t.typing
	t.typing = false
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()

	if wasTyping {
		t.broadcast(false)
	}
	if unsub != nil {
		unsub()
	}
}

// SetTyping announces the local typing state. Repeated true calls renew
// the expiry timer; the matching false is sent automatically when the
// timer lapses.
func (t *Typing) SetTyping(isTyping bool) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.typing = isTyping
	if isTyping {
		t.timer = time.AfterFunc(t.expiry, t.expire)
	}
	t.mu.Unlock()

	t.broadcast(isTyping)
}

func (t *Typing) expire() {
	t.mu.Lock()
	if !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.broadcast(false)
}

func (t *Typing) broadcast(isTyping bool) {
	t.mgr.Broadcast(t.channel(), "typing", map[string]any{
		"userId":   t.userID,
		"username": t.username,
		"isTyping": isTyping,
	})
}

// onTyping records a peer's typing state. The channel echoes our own
// broadcasts back (self-delivery is on); those are ignored.
func (t *Typing) onTyping(payload map[string]any) {
	userID, _ := payload["userId"].(string)
	if userID == "" || userID == t.userID {
		return
	}
	username, _ := payload["username"].(string)
	isTyping, _ := payload["isTyping"].(bool)

	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.peers[userID] = username
	} else {
		delete(t.peers, userID)
	}
}

// Peers returns the other participants currently typing, ordered by ID.
func (t *Typing) Peers() []TypingPeer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TypingPeer, 0, len(t.peers))
	for id, name := range t.peers {
		out = append(out, TypingPeer{UserID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
