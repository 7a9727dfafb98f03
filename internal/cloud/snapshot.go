package cloud

import (
	"sync"
	"sync/atomic"
)

// Snapshot holds the current cloud Config.  Readers get a consistent
// copy without locking; writers are serialized and publish a new copy,
// so a provisioning call never observes a half-applied edit.
type Snapshot struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[Config]
	version atomic.Uint64
}

// NewSnapshot publishes cfg as the first version.
func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{}
	s.cur.Store(&cfg)
	s.version.Store(1)
	return s
}

// Load returns a copy of the current Config.
func (s *Snapshot) Load() Config {
	return *s.cur.Load()
}

// Version increases by one on every successful Update.
func (s *Snapshot) Version() uint64 {
	return s.version.Load()
}

// Update applies fn to a copy of the current Config, validates the
// result and publishes it.  If fn or validation fails nothing changes.
func (s *Snapshot) Update(fn func(*Config) error) (Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := *s.cur.Load()
	if err := fn(&next); err != nil {
		return Config{}, err
	}
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return Config{}, err
	}

	s.cur.Store(&next)
	s.version.Add(1)
	return next, nil
}
