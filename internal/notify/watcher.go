package notify

import (
	"context"
	"sync"
	"time"

	"github.com/przewozpl/przewoz/internal/log"
	"github.com/przewozpl/przewoz/internal/realtime"
	"github.com/przewozpl/przewoz/internal/types"
)

const lookupTimeout = 10 * time.Second

// Directory resolves the identities a raw change payload only references
// by ID. Lookups may hit the network; failures degrade to a placeholder
// rather than dropping the notification.
type Directory interface {
	UserSummary(ctx context.Context, userID string) (types.UserSummary, error)
	OfferTransportID(ctx context.Context, offerID string) (string, error)
}

// Toast is one user-facing notification popup.
type Toast struct {
	Title       string
	Description string
	ActionLabel string
	ActionPath  string
}

// Toaster shows toasts. Implementations must be safe for concurrent use.
type Toaster interface {
	Toast(t Toast)
}

// ToastFunc adapts a function to the Toaster interface.
type ToastFunc func(Toast)

func (f ToastFunc) Toast(t Toast) { f(t) }

// WatcherConfig configures a Watcher for one signed-in user.
type WatcherConfig struct {
	UserID string
	Admin  bool
	// Toaster receives popups for new notifications; nil disables them.
	Toaster Toaster
	// Chime is played alongside each toast, best effort; nil disables it.
	Chime func()
}

// Watcher subscribes to the signed-in user's notification channel and
// keeps a Store in sync with the incoming changes. Enrichment lookups run
// on their own goroutines so a slow directory never blocks event
// delivery; results arriving after Stop are discarded.
type Watcher struct {
	mgr   *realtime.Manager
	dir   Directory
	store *Store
	cfg   WatcherConfig

	mu      sync.Mutex
	unsubs  []func()
	stopped bool
}

// NewWatcher creates a watcher; call Start to begin listening.
func NewWatcher(mgr *realtime.Manager, dir Directory, store *Store, cfg WatcherConfig) *Watcher {
	return &Watcher{mgr: mgr, dir: dir, store: store, cfg: cfg}
}

// Start registers the notification subscriptions. All of them share the
// per-user channel; the manager multiplexes them over one socket topic.
func (w *Watcher) Start() {
	channel := "user-notifications:" + w.cfg.UserID
	receiverFilter := "receiver_id=eq." + w.cfg.UserID

	subs := []func(){
		w.mgr.OnTableChanges(channel, "public", "messages", "INSERT", receiverFilter, w.onMessageInsert),
		w.mgr.OnTableChanges(channel, "public", "messages", "UPDATE", receiverFilter, w.onMessageUpdate),
		w.mgr.OnTableChanges(channel, "public", "offers", "INSERT", "creator_id=eq."+w.cfg.UserID, w.onOfferInsert),
		w.mgr.OnTableChanges(channel, "public", "offers", "UPDATE", "", w.onOfferUpdate),
		w.mgr.OnTableChanges(channel, "public", "offer_messages", "INSERT", receiverFilter, w.onOfferMessageInsert),
		w.mgr.OnTableChanges(channel, "public", "offer_messages", "UPDATE", receiverFilter, w.onOfferMessageUpdate),
	}
	if w.cfg.Admin {
		subs = append(subs,
			w.mgr.OnTableChanges(channel, "public", "reports", "INSERT", "", w.onReportInsert))
	}

	w.mu.Lock()
	w.unsubs = subs
	w.stopped = false
	w.mu.Unlock()

	log.Info("notify: watching", "user_id", w.cfg.UserID, "admin", w.cfg.Admin)
}

// Stop unregisters the subscriptions and discards in-flight enrichments.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	w.stopped = true
	w.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (w *Watcher) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped
}

func (w *Watcher) onMessageInsert(ev realtime.ChangeEvent) {
	row, err := types.MessageFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad message payload", "error", err.Error())
		return
	}
	if row.IsRead {
		return
	}
	go w.enrichMessage(row)
}

func (w *Watcher) enrichMessage(row types.MessageRow) {
	sender := w.lookupUser(row.SenderID)
	if !w.alive() {
		return
	}
	added := w.store.AddMessage(MessageNote{
		ID:             row.ID,
		CreatedAt:      row.CreatedAt,
		Text:           row.Text,
		Sender:         sender,
		ConversationID: row.ConversationID,
	})
	if added {
		w.notify(Toast{
			Title:       "Nowa wiadomość",
			Description: "Otrzymałeś nową wiadomość od " + sender.Username,
			ActionLabel: "Zobacz",
			ActionPath:  "/user/market/messages/" + row.ConversationID,
		})
	}
}

func (w *Watcher) onMessageUpdate(ev realtime.ChangeEvent) {
	row, err := types.MessageFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad message payload", "error", err.Error())
		return
	}
	if row.IsRead {
		w.store.RemoveMessage(row.ID)
	}
}

func (w *Watcher) onOfferInsert(ev realtime.ChangeEvent) {
	row, err := types.OfferFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad offer payload", "error", err.Error())
		return
	}
	if row.IsAccepted {
		return
	}
	go w.enrichOffer(row)
}

func (w *Watcher) enrichOffer(row types.OfferRow) {
	sender := w.lookupUser(row.CreatorID)
	if !w.alive() {
		return
	}
	added := w.store.AddOffer(OfferNote{
		ID:          row.ID,
		CreatedAt:   row.CreatedAt,
		Sender:      sender,
		TransportID: row.TransportID,
	})
	if added {
		w.notify(Toast{
			Title:       "Nowa oferta",
			Description: "Otrzymałeś nową ofertę na transport",
			ActionLabel: "Zobacz",
			ActionPath:  "/transport/" + row.TransportID + "/offer/" + row.ID,
		})
	}
}

func (w *Watcher) onOfferUpdate(ev realtime.ChangeEvent) {
	row, err := types.OfferFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad offer payload", "error", err.Error())
		return
	}
	if !row.IsAccepted {
		return
	}
	// Removal gates the toast: a redelivered acceptance cannot fire twice,
	// and acceptances of offers never in the feed are not ours.
	if w.store.RemoveOffer(row.ID) {
		w.notify(Toast{
			Title:       "Oferta zaakceptowana",
			Description: "Twoja oferta została zaakceptowana",
			ActionLabel: "Zobacz",
			ActionPath:  "/transport/" + row.TransportID + "/offer/" + row.ID,
		})
	}
}

func (w *Watcher) onOfferMessageInsert(ev realtime.ChangeEvent) {
	row, err := types.OfferMessageFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad offer message payload", "error", err.Error())
		return
	}
	if row.IsRead {
		return
	}
	go w.enrichOfferMessage(row)
}

func (w *Watcher) enrichOfferMessage(row types.OfferMessageRow) {
	sender := w.lookupUser(row.SenderID)
	transportID := w.lookupTransportID(row.OfferID)
	if !w.alive() {
		return
	}
	added := w.store.AddOfferMessage(OfferMessageNote{
		ID:          row.ID,
		CreatedAt:   row.CreatedAt,
		Text:        row.Text,
		Sender:      sender,
		ReceiverID:  row.ReceiverID,
		OfferID:     row.OfferID,
		TransportID: transportID,
	})
	if added {
		w.notify(Toast{
			Title:       "Nowa wiadomość w ofercie",
			Description: "Otrzymałeś nową wiadomość dotyczącą oferty",
			ActionLabel: "Zobacz",
			ActionPath:  "/transport/" + transportID + "/offer/" + row.OfferID,
		})
	}
}

func (w *Watcher) onOfferMessageUpdate(ev realtime.ChangeEvent) {
	row, err := types.OfferMessageFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad offer message payload", "error", err.Error())
		return
	}
	if row.IsRead {
		w.store.RemoveOfferMessage(row.ID)
	}
}

func (w *Watcher) onReportInsert(ev realtime.ChangeEvent) {
	row, err := types.ReportFromRecord(ev.New)
	if err != nil {
		log.Warn("notify: bad report payload", "error", err.Error())
		return
	}
	if row.Seen {
		return
	}
	if w.store.AddReport(row) {
		w.notify(Toast{
			Title:       "Nowy raport",
			Description: "Otrzymałeś nowy raport do sprawdzenia",
			ActionLabel: "Zobacz",
			ActionPath:  "/admin/reports",
		})
	}
}

// lookupUser resolves a user to a summary, degrading to the placeholder
// identity on any failure so the notification still shows.
func (w *Watcher) lookupUser(userID string) types.UserSummary {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	sender, err := w.dir.UserSummary(ctx, userID)
	if err != nil {
		log.Debug("notify: user lookup failed", "user_id", userID, "error", err.Error())
		return types.UnknownUser(userID)
	}
	return sender
}

func (w *Watcher) lookupTransportID(offerID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	transportID, err := w.dir.OfferTransportID(ctx, offerID)
	if err != nil {
		log.Debug("notify: transport lookup failed", "offer_id", offerID, "error", err.Error())
		return ""
	}
	return transportID
}

// notify shows the toast and plays the chime. The chime is best effort: a
// panicking sound backend must not take down event delivery.
func (w *Watcher) notify(t Toast) {
	if w.cfg.Toaster != nil {
		w.cfg.Toaster.Toast(t)
	}
	if w.cfg.Chime != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Debug("notify: chime failed", "panic", r)
				}
			}()
			w.cfg.Chime()
		}()
	}
}
