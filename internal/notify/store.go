// Package notify maintains the process-wide notification feeds and the
// realtime watcher that fills them.
package notify

import (
	"sync"

	"github.com/przewozpl/przewoz/internal/types"
)

// MessageNote is an unread direct message notification.
type MessageNote struct {
	ID             string
	CreatedAt      string
	Text           string
	Sender         types.UserSummary
	ConversationID string
}

// OfferNote is a pending offer notification.
type OfferNote struct {
	ID          string
	CreatedAt   string
	Sender      types.UserSummary
	TransportID string
}

// OfferMessageNote is an unread offer message notification.
type OfferMessageNote struct {
	ID          string
	CreatedAt   string
	Text        string
	Sender      types.UserSummary
	ReceiverID  string
	OfferID     string
	TransportID string
}

// ReportNote is an unseen report notification.
type ReportNote = types.ReportRow

// feed is one ordered notification sequence keyed by entry ID. Removal is
// absorbing: a removed ID can never be re-added, so a duplicate "still
// unread" delivery cannot resurrect an entry the user already handled.
type feed[T any] struct {
	entries []T
	ids     []string
	present map[string]bool
	removed map[string]bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{
		present: make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// add appends an entry unless it is already present or was removed.
func (f *feed[T]) add(id string, entry T) bool {
	if id == "" || f.present[id] || f.removed[id] {
		return false
	}
	f.present[id] = true
	f.ids = append(f.ids, id)
	f.entries = append(f.entries, entry)
	return true
}

// remove drops an entry by ID. Removing an absent entry is a no-op and
// reports false; the ID is still marked removed so a late add is ignored.
func (f *feed[T]) remove(id string) bool {
	if f.removed[id] {
		return false
	}
	f.removed[id] = true
	if !f.present[id] {
		return false
	}
	delete(f.present, id)
	for i, existing := range f.ids {
		if existing == id {
			f.ids = append(f.ids[:i], f.ids[i+1:]...)
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			break
		}
	}
	return true
}

func (f *feed[T]) snapshot() []T {
	out := make([]T, len(f.entries))
	copy(out, f.entries)
	return out
}

// Store holds the four notification feeds. Entries mirror the unread /
// pending / unseen state of their backing rows; consumers remove them as
// the corresponding transitions arrive.
type Store struct {
	mu            sync.Mutex
	messages      *feed[MessageNote]
	offerMessages *feed[OfferMessageNote]
	offers        *feed[OfferNote]
	reports       *feed[ReportNote]
}

// NewStore creates an empty notification store.
func NewStore() *Store {
	return &Store{
		messages:      newFeed[MessageNote](),
		offerMessages: newFeed[OfferMessageNote](),
		offers:        newFeed[OfferNote](),
		reports:       newFeed[ReportNote](),
	}
}

// AddMessage records an unread message notification.
func (s *Store) AddMessage(n MessageNote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.add(n.ID, n)
}

// RemoveMessage drops a message notification once it was read.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.remove(id)
}

// AddOfferMessage records an unread offer message notification.
func (s *Store) AddOfferMessage(n OfferMessageNote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerMessages.add(n.ID, n)
}

// RemoveOfferMessage drops an offer message notification.
func (s *Store) RemoveOfferMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerMessages.remove(id)
}

// AddOffer records a pending offer notification.
func (s *Store) AddOffer(n OfferNote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers.add(n.ID, n)
}

// RemoveOffer drops an offer notification once it was accepted.
func (s *Store) RemoveOffer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers.remove(id)
}

// AddReport records an unseen report notification.
func (s *Store) AddReport(n ReportNote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports.add(n.ID, n)
}

// RemoveReport drops a report notification once it was seen.
func (s *Store) RemoveReport(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports.remove(id)
}

// Messages returns the unread message notifications in arrival order.
func (s *Store) Messages() []MessageNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.snapshot()
}

// OfferMessages returns the unread offer message notifications.
func (s *Store) OfferMessages() []OfferMessageNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerMessages.snapshot()
}

// Offers returns the pending offer notifications.
func (s *Store) Offers() []OfferNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers.snapshot()
}

// Reports returns the unseen report notifications.
func (s *Store) Reports() []ReportNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports.snapshot()
}

// Total returns the combined notification count for badges.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages.entries) + len(s.offerMessages.entries) +
		len(s.offers.entries) + len(s.reports.entries)
}
