package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

// dwellSession is the live, mutable session. It never leaves the registry;
// callers only ever see models.DwellSession snapshots.
type dwellSession struct {
	id         uuid.UUID
	identity   string
	binding    models.ZoneBinding
	arrivedAt  time.Time
	lastSeenAt time.Time
	rssi       *int
	name       string
}

func (s *dwellSession) snapshot() models.DwellSession {
	return models.DwellSession{
		ID:             s.id,
		Identity:       s.identity,
		Binding:        s.binding,
		ArrivedAt:      s.arrivedAt,
		LastSeenAt:     s.lastSeenAt,
		SignalStrength: copyInt(s.rssi),
		DeviceName:     s.name,
	}
}

// Registry holds one active dwell session per validated identity. All
// mutation happens under the write lock so that updates to a single identity
// are serialized and an eviction always sees the freshest lastSeenAt.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*dwellSession
	epoch    uint64
	onChange func()
}

// NewRegistry creates an empty registry. onChange, when set, is invoked after
// every change that affects the live device list.
func NewRegistry(onChange func()) *Registry {
	return &Registry{
		sessions: make(map[string]*dwellSession),
		onChange: onChange,
	}
}

// Epoch returns the current registry generation. A lookup started in one
// generation may only open a session in that same generation.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Open creates a session for identity. It returns false when a session is
// already active or when epoch no longer matches (the registry was reset or
// flushed while the lookup was in flight).
func (r *Registry) Open(identity string, binding models.ZoneBinding, at time.Time, rssi *int, name string, epoch uint64) bool {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.sessions[identity]; exists {
		r.mu.Unlock()
		return false
	}
	r.sessions[identity] = &dwellSession{
		id:         uuid.New(),
		identity:   identity,
		binding:    binding,
		arrivedAt:  at,
		lastSeenAt: at,
		rssi:       copyInt(rssi),
		name:       name,
	}
	r.mu.Unlock()

	r.changed()
	return true
}

// Touch records a further sighting of an active identity. lastSeenAt never
// moves backwards, so out-of-order sightings are harmless. It returns false
// when no session is active for identity.
func (r *Registry) Touch(identity string, at time.Time, rssi *int, name string) bool {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if at.After(s.lastSeenAt) {
		s.lastSeenAt = at
	}
	displayChanged := false
	if rssi != nil && (s.rssi == nil || *s.rssi != *rssi) {
		s.rssi = copyInt(rssi)
		displayChanged = true
	}
	if name != "" && name != s.name {
		s.name = name
		displayChanged = true
	}
	r.mu.Unlock()

	if displayChanged {
		r.changed()
	}
	return true
}

// Get returns a snapshot of the session for identity.
func (r *Registry) Get(identity string) (models.DwellSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	if !ok {
		return models.DwellSession{}, false
	}
	return s.snapshot(), true
}

// Finalize removes the session for identity and returns its final state.
func (r *Registry) Finalize(identity string) (models.DwellSession, bool) {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	if !ok {
		return models.DwellSession{}, false
	}
	r.changed()
	return s.snapshot(), true
}

// FinalizeExpired removes and returns every session whose silence exceeds
// threshold at now. A session exactly at the threshold stays active.
func (r *Registry) FinalizeExpired(now time.Time, threshold time.Duration) []models.DwellSession {
	r.mu.Lock()
	var expired []models.DwellSession
	for id, s := range r.sessions {
		if now.Sub(s.lastSeenAt) > threshold {
			expired = append(expired, s.snapshot())
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		sortSessions(expired)
		r.changed()
	}
	return expired
}

// FinalizeAll removes every session and advances the epoch so that lookups
// still in flight cannot reopen them.
func (r *Registry) FinalizeAll() []models.DwellSession {
	r.mu.Lock()
	all := make([]models.DwellSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s.snapshot())
	}
	r.sessions = make(map[string]*dwellSession)
	r.epoch++
	r.mu.Unlock()

	sortSessions(all)
	if len(all) > 0 {
		r.changed()
	}
	return all
}

// Reset discards all sessions without finalizing them and starts a new epoch.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.sessions = make(map[string]*dwellSession)
	r.epoch++
	r.mu.Unlock()
	r.changed()
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Active returns the live device list ordered by identity.
func (r *Registry) Active() []models.ActiveDevice {
	r.mu.RLock()
	devices := make([]models.ActiveDevice, 0, len(r.sessions))
	for _, s := range r.sessions {
		devices = append(devices, models.ActiveDevice{
			Identity:       s.identity,
			DisplayName:    s.binding.ZoneName,
			DeviceName:     s.name,
			SignalStrength: copyInt(s.rssi),
			ZoneID:         s.binding.ZoneID,
			ArrivedAt:      s.arrivedAt,
			LastSeenAt:     s.lastSeenAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Identity < devices[j].Identity
	})
	return devices
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func sortSessions(s []models.DwellSession) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].Identity < s[j].Identity
	})
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
