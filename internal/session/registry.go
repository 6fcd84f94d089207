package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/shop-reduction/internal/command"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/rules"
	"github.com/noah-isme/shop-reduction/internal/savestore"
)

var (
	// ErrSessionNotFound is returned for unknown, closed or foreign sessions.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSavesDisabled is returned when no save store is configured.
	ErrSavesDisabled = errors.New("session: save store not configured")
)

// Session is one running game: its rule store and the event the host is
// currently interpreting.
type Session struct {
	ID        uuid.UUID
	Author    string
	Rules     *rules.Store
	CreatedAt time.Time

	mu       sync.Mutex
	position command.Position
	lastSeen time.Time
}

// Position returns the event and map "this" currently resolves to.
func (s *Session) Position() command.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// MoveTo sets the event and map "this" resolves to.
func (s *Session) MoveTo(p command.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = p
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Registry owns the live sessions of this process.
type Registry struct {
	Presets rules.Presets
	Saves   savestore.Store
	// IdleTTL drops sessions untouched for longer than this when positive.
	IdleTTL time.Duration
	Now     func() time.Time

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(presets rules.Presets, saves savestore.Store, idleTTL time.Duration) *Registry {
	return &Registry{
		Presets:  presets,
		Saves:    saves,
		IdleTTL:  idleTTL,
		sessions: map[uuid.UUID]*Session{},
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// NewGame starts a session for author with an empty rule store seeded with the presets.
func (r *Registry) NewGame(author string) (*Session, error) {
	store := rules.NewStore()
	if err := r.Presets.Apply(store); err != nil {
		return nil, fmt.Errorf("apply presets: %w", err)
	}
	now := r.now()
	sess := &Session{
		ID:        uuid.New(),
		Author:    author,
		Rules:     store,
		CreatedAt: now,
		lastSeen:  now,
	}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = map[uuid.UUID]*Session{}
	}
	r.sessions[sess.ID] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	setActive(n)
	return sess, nil
}

// Get returns the session with id and marks it as used.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.touch(r.now())
	return sess, nil
}

// Close ends the session with id.
func (r *Registry) Close(id uuid.UUID) error {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	setActive(n)
	return nil
}

// Save writes the session rules to slot.
func (r *Registry) Save(ctx context.Context, id uuid.UUID, slot string) error {
	if r.Saves == nil {
		return ErrSavesDisabled
	}
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	return r.Saves.Put(ctx, slot, sess.Rules.Snapshot())
}

// Load replaces the session rules with the save in slot.
func (r *Registry) Load(ctx context.Context, id uuid.UUID, slot string) (rules.SaveContents, error) {
	if r.Saves == nil {
		return rules.SaveContents{}, ErrSavesDisabled
	}
	sess, err := r.Get(id)
	if err != nil {
		return rules.SaveContents{}, err
	}
	contents, err := r.Saves.Get(ctx, slot)
	if err != nil {
		return rules.SaveContents{}, err
	}
	sess.Rules.Restore(contents)
	return contents, nil
}

// DeleteSave removes slot from the save store.
func (r *Registry) DeleteSave(ctx context.Context, slot string) error {
	if r.Saves == nil {
		return ErrSavesDisabled
	}
	return r.Saves.Delete(ctx, slot)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than IdleTTL and returns how many it closed.
func (r *Registry) Sweep() int {
	if r.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.IdleTTL)

	r.mu.Lock()
	closed := 0
	for id, sess := range r.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(r.sessions, id)
			closed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if closed > 0 {
		setActive(n)
	}
	return closed
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func setActive(n int) {
	if obs.ActiveSessions != nil {
		obs.ActiveSessions.Set(float64(n))
	}
}
