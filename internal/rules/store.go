package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/noah-isme/shop-reduction/internal/modifier"
)

// ErrInvalidAction is returned when an action is not buy or sell (or all, for removals).
var ErrInvalidAction = errors.New("rules: invalid action")

// Action selects which side of a trade a chain applies to.
type Action string

const (
	// ActionBuy applies to items the player buys from a shop.
	ActionBuy Action = "buy"
	// ActionSell applies to items the player sells to a shop.
	ActionSell Action = "sell"
	// ActionAll targets both actions. Only removals accept it.
	ActionAll Action = "all"
)

// ParseAction normalises s into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionAll:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// ScopeKey identifies the shop run by one event on one map.
type ScopeKey struct {
	EventID int
	MapID   int
}

// String returns the "<eventId>.<mapId>" form used in save data.
func (k ScopeKey) String() string {
	return strconv.Itoa(k.EventID) + "." + strconv.Itoa(k.MapID)
}

// MarshalText lets ScopeKey be used as a JSON object key.
func (k ScopeKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "<eventId>.<mapId>" form.
func (k *ScopeKey) UnmarshalText(text []byte) error {
	parsed, err := ParseScopeKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseScopeKey parses "<eventId>.<mapId>".
func ParseScopeKey(s string) (ScopeKey, error) {
	eventPart, mapPart, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return ScopeKey{}, fmt.Errorf("rules: invalid scope key %q", s)
	}
	eventID, err := strconv.Atoi(eventPart)
	if err != nil {
		return ScopeKey{}, fmt.Errorf("rules: invalid event id in scope key %q: %w", s, err)
	}
	mapID, err := strconv.Atoi(mapPart)
	if err != nil {
		return ScopeKey{}, fmt.Errorf("rules: invalid map id in scope key %q: %w", s, err)
	}
	return ScopeKey{EventID: eventID, MapID: mapID}, nil
}

// Scope is either the global scope or a single event shop.
type Scope struct {
	Global bool
	Key    ScopeKey
}

// GlobalScope targets the rules applied to every shop.
func GlobalScope() Scope {
	return Scope{Global: true}
}

// EventScope targets the shop run by eventID on mapID.
func EventScope(eventID, mapID int) Scope {
	return Scope{Key: ScopeKey{EventID: eventID, MapID: mapID}}
}

// String returns "global" or the event key.
func (s Scope) String() string {
	if s.Global {
		return "global"
	}
	return s.Key.String()
}

// RuleSet maps an action to its modifier chain. A missing action means no modifier.
type RuleSet map[Action]string

func (rs RuleSet) clone() RuleSet {
	out := make(RuleSet, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Quoter exposes the chains a price lookup needs.
type Quoter interface {
	ShopChain(action Action) string
	GlobalChain(action Action) string
}

// Store holds the global rules, the per-event rules and the rules of the shop
// currently open. All methods are safe for concurrent use; readers get copies.
type Store struct {
	mu     sync.RWMutex
	global RuleSet
	events map[ScopeKey]RuleSet
	active RuleSet
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		global: RuleSet{},
		events: map[ScopeKey]RuleSet{},
	}
}

// Add overwrites the chain of one action in scope. The fragment must parse as
// a modifier chain.
func (s *Store) Add(scope Scope, action Action, fragment string) error {
	if action != ActionBuy && action != ActionSell {
		return fmt.Errorf("%w: add requires buy or sell, got %q", ErrInvalidAction, action)
	}
	chain, err := modifier.ParseChain(fragment)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty fragment", modifier.ErrMalformedChain)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if scope.Global {
		s.global[action] = fragment
		return nil
	}
	set, ok := s.events[scope.Key]
	if !ok {
		set = RuleSet{}
		s.events[scope.Key] = set
	}
	set[action] = fragment
	return nil
}

// Remove deletes the chain of one action, or the whole set for ActionAll.
// Missing scopes and actions are left as they are.
func (s *Store) Remove(scope Scope, action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope.Global {
		if action == ActionAll {
			s.global = RuleSet{}
			return
		}
		delete(s.global, action)
		return
	}
	if action == ActionAll {
		delete(s.events, scope.Key)
		return
	}
	set, ok := s.events[scope.Key]
	if !ok {
		return
	}
	delete(set, action)
	if len(set) == 0 {
		delete(s.events, scope.Key)
	}
}

// ResetAll clears every scope and the active shop rules.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = RuleSet{}
	s.events = map[ScopeKey]RuleSet{}
	s.active = nil
}

// BeginShopSession resolves the rules of the shop being opened and keeps them
// until the session ends or another one begins.
func (s *Store) BeginShopSession(key ScopeKey) RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.events[key]; ok {
		s.active = set.clone()
	} else {
		s.active = RuleSet{}
	}
	return s.active.clone()
}

// EndShopSession clears the active shop rules.
func (s *Store) EndShopSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// ActiveRules returns the rules of the open shop, or an empty set when no shop is open.
func (s *Store) ActiveRules() RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return RuleSet{}
	}
	return s.active.clone()
}

// GlobalRules returns a copy of the global rules.
func (s *Store) GlobalRules() RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.clone()
}

// EventRules returns a copy of the rules for key, empty when none exist.
func (s *Store) EventRules(key ScopeKey) RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.events[key]
	if !ok {
		return RuleSet{}
	}
	return set.clone()
}

// ShopChain returns the active shop chain for action.
func (s *Store) ShopChain(action Action) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[action]
}

// GlobalChain returns the global chain for action.
func (s *Store) GlobalChain(action Action) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global[action]
}

// Snapshot captures the persisted part of the store. Active rules are not saved.
func (s *Store) Snapshot() SaveContents {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make(map[ScopeKey]RuleSet, len(s.events))
	for k, set := range s.events {
		if len(set) == 0 {
			continue
		}
		events[k] = set.clone()
	}
	return SaveContents{
		GlobalShopReduction: s.global.clone(),
		EventsShopReduction: events,
	}
}

// Restore replaces the global and event rules with contents. Missing sections
// become empty. The active shop rules are left alone.
func (s *Store) Restore(contents SaveContents) {
	global := RuleSet{}
	for k, v := range contents.GlobalShopReduction {
		global[k] = v
	}
	events := make(map[ScopeKey]RuleSet, len(contents.EventsShopReduction))
	for key, set := range contents.EventsShopReduction {
		if len(set) == 0 {
			continue
		}
		events[key] = set.clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = global
	s.events = events
}

// Len reports how many event shops carry rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
