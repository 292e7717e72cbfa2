package verdict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// WatcherCallbacks are invoked as shared verdict state changes.
type WatcherCallbacks struct {
	// OnLoading fires when the in-progress signal changes.
	OnLoading func(rec models.VerdictLoadingRecord)
	// OnVerdict fires exactly once per distinct verdict content. A
	// retrial reuses the same path, so novelty is judged by content,
	// not by existence.
	OnVerdict func(rec models.VerdictRecord)
}

// Watcher observes verdict publication on every client and keeps a
// local copy for re-viewing.
type Watcher struct {
	st        store.Store
	sessionID string
	cb        WatcherCallbacks

	mu       sync.Mutex
	lastHash string
	cached   *models.VerdictRecord

	unsubs []store.UnsubscribeFunc
}

// NewWatcher creates a watcher for one session.
func NewWatcher(st store.Store, sessionID string, cb WatcherCallbacks) *Watcher {
	return &Watcher{
		st:        st,
		sessionID: sessionID,
		cb:        cb,
	}
}

// Start subscribes to the verdict and loading paths.
func (w *Watcher) Start(ctx context.Context) error {
	unsub, err := w.st.Subscribe(ctx, store.VerdictPath(w.sessionID), w.handleVerdictEvent)
	if err != nil {
		return fmt.Errorf("subscribe verdict: %w", err)
	}
	w.unsubs = append(w.unsubs, unsub)

	unsub, err = w.st.Subscribe(ctx, store.VerdictLoadingPath(w.sessionID), w.handleLoadingEvent)
	if err != nil {
		return fmt.Errorf("subscribe verdict loading: %w", err)
	}
	w.unsubs = append(w.unsubs, unsub)
	return nil
}

// Stop cancels the subscriptions. Safe to call more than once.
func (w *Watcher) Stop() {
	for _, unsub := range w.unsubs {
		unsub()
	}
}

// Cached returns the locally kept copy of the last verdict. "View
// again" reads this and never re-writes the shared record, so one
// user's re-viewing cannot re-open the modal on everyone else's
// screen.
func (w *Watcher) Cached() (models.VerdictRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cached == nil {
		return models.VerdictRecord{}, false
	}
	return *w.cached, true
}

func (w *Watcher) handleVerdictEvent(ev store.Event) {
	if ev.Kind == store.KindRemoved {
		// A new round cleared the path; the local cache survives so
		// the last verdict stays viewable.
		return
	}
	var rec models.VerdictRecord
	if err := ev.Decode(&rec); err != nil {
		log.Error().Err(err).Str("session_id", w.sessionID).Msg("decode verdict record")
		return
	}

	sum := sha256.Sum256(ev.Value)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.cached = &rec
	w.mu.Unlock()

	if w.cb.OnVerdict != nil {
		w.cb.OnVerdict(rec)
	}
}

func (w *Watcher) handleLoadingEvent(ev store.Event) {
	if ev.Kind == store.KindRemoved {
		return
	}
	var rec models.VerdictLoadingRecord
	if err := ev.Decode(&rec); err != nil {
		log.Error().Err(err).Str("session_id", w.sessionID).Msg("decode verdict loading record")
		return
	}
	if w.cb.OnLoading != nil {
		w.cb.OnLoading(rec)
	}
}
