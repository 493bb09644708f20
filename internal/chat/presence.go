package chat

import (
	"sync"
	"time"

	"github.com/przewozpl/przewoz/internal/realtime"
)

// Participant is a conversation member the presence channel has seen.
// Leaving marks a participant offline but never forgets them, so the UI
// can show "last seen" style state instead of an empty list.
type Participant struct {
	ID       string
	Username string
	Online   bool
	OnlineAt string
}

// Presence tracks who is present in one conversation.
type Presence struct {
	mgr            *realtime.Manager
	conversationID string
	userID         string
	username       string

	mu           sync.Mutex
	participants map[string]*Participant
	synced       bool
	leave        func()
}

// NewPresence creates a presence tracker; call Join to announce yourself.
func NewPresence(mgr *realtime.Manager, conversationID, userID, username string) *Presence {
	return &Presence{
		mgr:            mgr,
		conversationID: conversationID,
		userID:         userID,
		username:       username,
		participants:   make(map[string]*Participant),
	}
}

// Join announces the local user on the conversation's presence channel and
// starts tracking the other participants.
func (p *Presence) Join() {
	payload := map[string]any{
		"user_id":   p.userID,
		"username":  p.username,
		"online_at": time.Now().UTC().Format(time.RFC3339),
	}
	leave := p.mgr.JoinPresence(
		"presence:"+p.conversationID,
		payload,
		p.onSync, p.onJoin, p.onLeave,
	)

	p.mu.Lock()
	p.leave = leave
	p.mu.Unlock()
}

// Leave withdraws the local presence entry. Known participants are kept,
// marked offline by the server-side leave that follows.
func (p *Presence) Leave() {
	p.mu.Lock()
	leave := p.leave
	p.leave = nil
	p.mu.Unlock()

	if leave != nil {
		leave()
	}
}

func (p *Presence) onSync() {
	p.mu.Lock()
	p.synced = true
	p.mu.Unlock()
}

func (p *Presence) onJoin(key string, metas []map[string]any) {
	if len(metas) == 0 {
		return
	}
	username, _ := metas[0]["username"].(string)
	onlineAt, _ := metas[0]["online_at"].(string)

	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.participants[key]
	if !ok {
		p.participants[key] = &Participant{ID: key, Username: username, Online: true, OnlineAt: onlineAt}
		return
	}
	existing.Online = true
	if username != "" {
		existing.Username = username
	}
	if onlineAt != "" {
		existing.OnlineAt = onlineAt
	}
}

func (p *Presence) onLeave(key string, metas []map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.participants[key]; ok {
		existing.Online = false
	}
}

// Synced reports whether the initial presence state has arrived.
func (p *Presence) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Participants returns everyone seen on the channel, online or not,
// ordered by ID.
func (p *Presence) Participants() []Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedParticipants(p.participants)
}

// Online reports whether a given participant is currently present.
func (p *Presence) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.participants[userID]
	return ok && existing.Online
}
