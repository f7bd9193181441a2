package auth

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// Denylist rejects tokens by JWT ID and actors by identity. Entries expire
// on their own: a token once it would have expired naturally, a lock once
// its end time has passed.
type Denylist struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
	locked map[string]time.Time
	now    func() time.Time
}

// NewDenylist creates an empty Denylist.
func NewDenylist() *Denylist {
	return &Denylist{
		tokens: make(map[string]time.Time),
		locked: make(map[string]time.Time),
		now:    time.Now,
	}
}

// RevokeToken rejects the token with jti until expiresAt.
func (d *Denylist) RevokeToken(jti string, expiresAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[jti] = expiresAt
}

// LockActor rejects every token of actorID until until.
func (d *Denylist) LockActor(actorID string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked[actorID] = until
}

// UnlockActor lifts a lock early.
func (d *Denylist) UnlockActor(actorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.locked, actorID)
}

// Check returns ACCOUNT_LOCKED for a locked actor and TOKEN_INVALID for a
// revoked token.
func (d *Denylist) Check(actorID, jti string) error {
	now := d.now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	if until, ok := d.locked[actorID]; ok && now.Before(until) {
		return apperror.New(apperror.CodeAccountLocked, "Account is locked")
	}
	if jti == "" {
		return nil
	}
	if exp, ok := d.tokens[jti]; ok && now.Before(exp) {
		return apperror.New(apperror.CodeTokenInvalid, "Token has been revoked")
	}
	return nil
}

// Len returns the number of live entries.
func (d *Denylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tokens) + len(d.locked)
}

// Run removes expired entries every interval until ctx is done.
func (d *Denylist) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.prune()
		}
	}
}

func (d *Denylist) prune() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for jti, exp := range d.tokens {
		if !now.Before(exp) {
			delete(d.tokens, jti)
		}
	}
	for id, until := range d.locked {
		if !now.Before(until) {
			delete(d.locked, id)
		}
	}
}
