package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Presets are rules applied to every new game.
type Presets struct {
	Global RuleSetSpec   `yaml:"global"`
	Events []EventPreset `yaml:"events"`
}

// RuleSetSpec is the YAML form of a RuleSet.
type RuleSetSpec struct {
	Buy  string `yaml:"buy"`
	Sell string `yaml:"sell"`
}

// EventPreset attaches rules to one event shop.
type EventPreset struct {
	EventID int         `yaml:"event_id"`
	MapID   int         `yaml:"map_id"`
	Rules   RuleSetSpec `yaml:"rules"`
}

// LoadPresets reads presets from a YAML file. An empty path yields no presets.
func LoadPresets(path string) (Presets, error) {
	var p Presets
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("presets %s: %w", path, err)
	}
	return p, nil
}

// Apply adds every preset rule to s. It stops at the first invalid chain.
func (p Presets) Apply(s *Store) error {
	if err := p.Global.apply(s, GlobalScope()); err != nil {
		return fmt.Errorf("global preset: %w", err)
	}
	for _, ev := range p.Events {
		scope := EventScope(ev.EventID, ev.MapID)
		if err := ev.Rules.apply(s, scope); err != nil {
			return fmt.Errorf("event preset %s: %w", scope, err)
		}
	}
	return nil
}

// Empty reports whether the presets carry no rules.
func (p Presets) Empty() bool {
	return p.Global.Buy == "" && p.Global.Sell == "" && len(p.Events) == 0
}

func (r RuleSetSpec) apply(s *Store, scope Scope) error {
	if strings.TrimSpace(r.Buy) != "" {
		if err := s.Add(scope, ActionBuy, r.Buy); err != nil {
			return err
		}
	}
	if strings.TrimSpace(r.Sell) != "" {
		if err := s.Add(scope, ActionSell, r.Sell); err != nil {
			return err
		}
	}
	return nil
}
