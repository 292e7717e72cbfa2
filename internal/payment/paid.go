package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// PaidUsers mirrors the set of participants holding a purchased
// privilege. Presence here never auto-satisfies a consensus vote; it
// only changes what that user's agree action consumes.
type PaidUsers struct {
	st        store.Store
	sessionID string
	clock     clockwork.Clock

	mu   sync.Mutex
	paid map[string]models.PaidUser

	unsubscribe store.UnsubscribeFunc
}

// NewPaidUsers creates the paid-set mirror for a session.
func NewPaidUsers(st store.Store, sessionID string, clock clockwork.Clock) *PaidUsers {
	return &PaidUsers{
		st:        st,
		sessionID: sessionID,
		clock:     clock,
		paid:      make(map[string]models.PaidUser),
	}
}

// Start subscribes to the paid-users entries.
func (p *PaidUsers) Start(ctx context.Context) error {
	unsub, err := p.st.Subscribe(ctx, store.PaidUsersPattern(p.sessionID), p.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe paid users: %w", err)
	}
	p.unsubscribe = unsub
	return nil
}

// Stop cancels the subscription. Safe to call more than once.
func (p *PaidUsers) Stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// MarkPaid records that displayName completed a purchase.
func (p *PaidUsers) MarkPaid(ctx context.Context, displayName, userID string) error {
	rec := models.PaidUser{
		UserID: userID,
		PaidAt: p.clock.Now(),
		IsPaid: true,
	}
	if err := p.st.Set(ctx, store.PaidUserPath(p.sessionID, displayName), rec); err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	return nil
}

// IsPaid reports whether displayName holds a privilege.
func (p *PaidUsers) IsPaid(displayName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.paid[displayName]
	return ok && rec.IsPaid
}

func (p *PaidUsers) handleEvent(ev store.Event) {
	name := store.LastSegment(ev.Path)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case store.KindRemoved:
		delete(p.paid, name)
	case store.KindSet:
		var rec models.PaidUser
		if err := ev.Decode(&rec); err != nil {
			log.Error().Err(err).Str("path", ev.Path).Msg("decode paid user")
			return
		}
		p.paid[name] = rec
	}
}
