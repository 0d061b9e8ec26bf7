package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

// Directory maps a discovered identity to the zone it is bound to. A nil
// binding with a nil error means the identity is not recognised.
type Directory interface {
	Lookup(ctx context.Context, identity string) (*models.ZoneBinding, error)
}

// Admission is the outcome of submitting a sighting to the resolver.
type Admission int

const (
	// AdmitTouched means a session was already active and has been refreshed.
	AdmitTouched Admission = iota
	// AdmitDropped means a lookup for the identity is already pending.
	AdmitDropped
	// AdmitLookup means a new directory lookup was started.
	AdmitLookup
)

func (a Admission) String() string {
	switch a {
	case AdmitTouched:
		return "touched"
	case AdmitDropped:
		return "dropped"
	case AdmitLookup:
		return "lookup"
	default:
		return "unknown"
	}
}

// Resolver validates identities against the directory with at most one
// outstanding lookup per identity.
type Resolver struct {
	dir     Directory
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]uint64
	seq     uint64
	wg      sync.WaitGroup
}

func NewResolver(dir Directory, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dir:     dir,
		timeout: timeout,
		log:     logger.With("component", "resolver"),
		pending: make(map[string]uint64),
	}
}

// Submit routes one sighting. touch is tried first and must report whether an
// active session absorbed the sighting. Otherwise, unless a lookup is already
// pending, a lookup is started in the background and open is called with the
// binding if the identity turns out to be bound to a zone.
//
// touch and open run with the resolver lock held, which makes "pending" and
// "active" mutually exclusive as seen by concurrent sightings.
func (r *Resolver) Submit(identity string, touch func() bool, open func(models.ZoneBinding)) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.pending[identity]; busy {
		return AdmitDropped
	}
	if touch() {
		return AdmitTouched
	}

	r.seq++
	r.pending[identity] = r.seq
	r.wg.Add(1)
	go r.lookup(identity, r.seq, open)
	return AdmitLookup
}

func (r *Resolver) lookup(identity string, token uint64, open func(models.ZoneBinding)) {
	defer r.wg.Done()

	// Not bound to the scan context: a stop lets the lookup finish and the
	// registry epoch discards its result.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	binding, err := r.dir.Lookup(ctx, identity)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[identity] == token {
		delete(r.pending, identity)
	}

	switch {
	case err != nil:
		r.log.Warn("identity lookup failed", "identity", identity, "error", err)
	case !binding.IsBound():
		r.log.Debug("identity not bound to a zone", "identity", identity)
	default:
		r.log.Debug("identity resolved", "identity", identity, "zone_id", binding.ZoneID, "zone", binding.ZoneName)
		open(*binding)
	}
}

// Pending reports whether a lookup for identity is outstanding.
func (r *Resolver) Pending(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[identity]
	return ok
}

// PendingCount returns the number of outstanding lookups.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reset forgets every pending identity. Lookups already in flight still
// finish, but they cannot release a newer lookup's entry and their results
// are rejected by the registry's epoch.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.pending = make(map[string]uint64)
	r.mu.Unlock()
}

// Wait blocks until every lookup started so far has returned.
func (r *Resolver) Wait() {
	r.wg.Wait()
}
