package server

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultPendingTimeout is how long a USER without a matching PASS holds
// an identity before another connection may claim it.
const DefaultPendingTimeout = 30 * time.Second

var (
	// ErrAlreadyConnected means the identity is held by a live session or is
	// mid-login on another connection.
	ErrAlreadyConnected = fmt.Errorf("%w: already connected", ErrAuth)

	// ErrBadCredentials means the authenticator rejected the secret.
	ErrBadCredentials = fmt.Errorf("%w: login incorrect", ErrAuth)
)

// Handle is the guard's view of a control connection.
type Handle interface {
	// Alive reports whether the peer still appears connected. It must not
	// block and may be wrong in either direction: it is a heuristic.
	Alive() bool

	// Disconnect closes the connection. The owning session cleans up after
	// itself once its reader observes the close.
	Disconnect()

	// Notify writes one out-of-band line to the peer.
	Notify(line string) error
}

// Identity is a logged-in student as seen by the proctor.
type Identity struct {
	ID           string
	DisplayName  string
	RemoteIP     string
	LoginTime    time.Time
	LastActivity time.Time
	LastFile     string
	DeliveredAt  time.Time
}

type identityEntry struct {
	Identity
	handle Handle
}

type pendingLogin struct {
	handle Handle
	at     time.Time
}

// Guard enforces one live session per identity. The identity registry and the
// pending-login registry share one mutex so a login decision always sees both.
type Guard struct {
	mu         sync.Mutex
	identities map[string]*identityEntry
	pending    map[string]pendingLogin

	pendingTimeout time.Duration
	now            func() time.Time
}

// NewGuard returns an empty guard. A non-positive timeout selects
// DefaultPendingTimeout.
func NewGuard(pendingTimeout time.Duration) *Guard {
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	return &Guard{
		identities:     make(map[string]*identityEntry),
		pending:        make(map[string]pendingLogin),
		pendingTimeout: pendingTimeout,
		now:            time.Now,
	}
}

// purgeStale drops pending logins older than the timeout. Caller holds g.mu.
func (g *Guard) purgeStale() {
	cutoff := g.now().Add(-g.pendingTimeout)
	for id, p := range g.pending {
		if p.at.Before(cutoff) {
			delete(g.pending, id)
		}
	}
}

// checkHolder rejects h when another live session holds id, and evicts a
// dead holder. Caller holds g.mu.
func (g *Guard) checkHolder(id string, h Handle) error {
	e, ok := g.identities[id]
	if !ok || e.handle == h {
		return nil
	}
	if e.handle.Alive() {
		return ErrAlreadyConnected
	}
	e.handle.Disconnect()
	delete(g.identities, id)
	return nil
}

// checkPending rejects h when another connection is mid-login for id.
// Caller holds g.mu.
func (g *Guard) checkPending(id string, h Handle) error {
	if p, ok := g.pending[id]; ok && p.handle != h {
		return ErrAlreadyConnected
	}
	return nil
}

// BeginLogin records that h sent USER for id.
func (g *Guard) BeginLogin(id string, h Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.purgeStale()
	if err := g.checkHolder(id, h); err != nil {
		return err
	}
	if err := g.checkPending(id, h); err != nil {
		return err
	}
	g.pending[id] = pendingLogin{handle: h, at: g.now()}
	return nil
}

// CompleteLogin verifies secret for id and, on success, makes h the holder.
// Every check runs under the guard lock, including verification, so two
// connections racing on the same identity cannot both succeed.
func (g *Guard) CompleteLogin(id, secret string, h Handle, remoteIP string, auth Authenticator) (Identity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.purgeStale()
	if err := g.checkHolder(id, h); err != nil {
		return Identity{}, err
	}
	if err := g.checkPending(id, h); err != nil {
		return Identity{}, err
	}
	g.pending[id] = pendingLogin{handle: h, at: g.now()}

	name, ok, err := auth.Verify(id, secret)
	if err != nil || !ok {
		delete(g.pending, id)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		return Identity{}, ErrBadCredentials
	}

	if err := g.checkHolder(id, h); err != nil {
		return Identity{}, err
	}
	if err := g.checkPending(id, h); err != nil {
		return Identity{}, err
	}
	delete(g.pending, id)

	now := g.now()
	e := &identityEntry{
		Identity: Identity{
			ID:           id,
			DisplayName:  name,
			RemoteIP:     remoteIP,
			LoginTime:    now,
			LastActivity: now,
		},
		handle: h,
	}
	g.identities[id] = e
	return e.Identity, nil
}

// AbandonLogin removes the pending login for id if h owns it.
func (g *Guard) AbandonLogin(id string, h Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[id]; ok && p.handle == h {
		delete(g.pending, id)
	}
}

// Release removes id from the registry if h still holds it. It reports
// whether an entry was removed; a newer session holding the same identity is
// left untouched.
func (g *Guard) Release(id string, h Handle) (Identity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.identities[id]
	if !ok || e.handle != h {
		return Identity{}, false
	}
	delete(g.identities, id)
	return e.Identity, true
}

// Touch updates the last-activity time of id when h holds it.
func (g *Guard) Touch(id string, h Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.identities[id]; ok && e.handle == h {
		e.LastActivity = g.now()
	}
}

// RecordDelivery notes the last file delivered by id.
func (g *Guard) RecordDelivery(id string, h Handle, file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.identities[id]; ok && e.handle == h {
		now := g.now()
		e.LastFile = file
		e.DeliveredAt = now
		e.LastActivity = now
	}
}

// Snapshot returns the logged-in identities ordered by ID.
func (g *Guard) Snapshot() []Identity {
	g.mu.Lock()
	out := make([]Identity, 0, len(g.identities))
	for _, e := range g.identities {
		out = append(out, e.Identity)
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b Identity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Handles returns the handles of every logged-in identity.
func (g *Guard) Handles() []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Handle, 0, len(g.identities))
	for _, e := range g.identities {
		out = append(out, e.handle)
	}
	return out
}

// Len returns the number of logged-in identities.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.identities)
}

// Pending reports whether a login for id is in progress.
func (g *Guard) Pending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeStale()
	_, ok := g.pending[id]
	return ok
}
