package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/shop-reduction/internal/rules"
)

const keyword = "reduction"

var (
	// ErrUnknownCommand is returned for lines that are not reduction commands.
	ErrUnknownCommand = errors.New("command: unknown command")
	// ErrUsage is returned when a reduction command has missing or malformed arguments.
	ErrUsage = errors.New("command: usage")
)

// Operation names what a command did to the rule store.
type Operation string

const (
	// OpAdd appends a fragment to a scope's action rule.
	OpAdd Operation = "add"
	// OpRemove clears one action rule of a scope.
	OpRemove Operation = "remove"
	// OpResetAll empties the whole store.
	OpResetAll Operation = "reset_all"
)

// Interpreter is the host context a command runs in. It provides the event
// and map that "this" refers to.
type Interpreter interface {
	EventID() int
	MapID() int
}

// Position is a fixed Interpreter.
type Position struct {
	Event int `json:"event_id"`
	Map   int `json:"map_id"`
}

// EventID returns the fixed event id.
func (p Position) EventID() int { return p.Event }

// MapID returns the fixed map id.
func (p Position) MapID() int { return p.Map }

// Mutator is the part of the rule store commands act on.
type Mutator interface {
	Add(scope rules.Scope, action rules.Action, fragment string) error
	Remove(scope rules.Scope, action rules.Action)
	ResetAll()
}

// Command is a parsed reduction command with "this" already resolved.
type Command struct {
	Operation Operation    `json:"operation"`
	Scope     rules.Scope  `json:"-"`
	Action    rules.Action `json:"action,omitempty"`
	Fragment  string       `json:"fragment,omitempty"`
}

// Target returns the scope in text form, empty for a full reset.
func (c Command) Target() string {
	if c.Operation == OpResetAll {
		return ""
	}
	return c.Scope.String()
}

// String renders the command in canonical form.
func (c Command) String() string {
	switch c.Operation {
	case OpAdd:
		return fmt.Sprintf("Reduction ADD %s %s %s", scopeArgs(c.Scope), strings.ToUpper(string(c.Action)), c.Fragment)
	case OpRemove:
		return fmt.Sprintf("Reduction REMOVE %s %s", scopeArgs(c.Scope), strings.ToUpper(string(c.Action)))
	default:
		return "Reduction RESET ALL"
	}
}

func scopeArgs(s rules.Scope) string {
	if s.Global {
		return "global"
	}
	return strconv.Itoa(s.Key.EventID) + " " + strconv.Itoa(s.Key.MapID)
}

// Result describes an executed command.
type Result struct {
	Command
	Line string `json:"line"`
}

// Parse reads one command line. Keywords are case-insensitive; the fragment
// tokens of ADD are joined without a separator.
func Parse(in Interpreter, line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.EqualFold(fields[0], keyword) {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}
	args := fields[1:]
	if len(args) < 2 {
		return Command{}, fmt.Errorf("%w: expected a subcommand and a target", ErrUsage)
	}

	switch strings.ToLower(args[0]) {
	case "add":
		return parseAdd(in, args[1:])
	case "remove", "reset":
		return parseRemove(in, args[1:])
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, args[0])
	}
}

// ADD <global|this|eventId mapId> <BUY|SELL> <fragment...>
func parseAdd(in Interpreter, args []string) (Command, error) {
	scope, rest, err := addScope(in, args)
	if err != nil {
		return Command{}, err
	}
	if len(rest) < 2 {
		return Command{}, fmt.Errorf("%w: ADD needs an action and a chain", ErrUsage)
	}
	action, err := rules.ParseAction(rest[0])
	if err != nil || action == rules.ActionAll {
		return Command{}, fmt.Errorf("%w: ADD action must be BUY or SELL, got %q", ErrUsage, rest[0])
	}
	return Command{
		Operation: OpAdd,
		Scope:     scope,
		Action:    action,
		Fragment:  strings.Join(rest[1:], ""),
	}, nil
}

func addScope(in Interpreter, args []string) (rules.Scope, []string, error) {
	switch strings.ToLower(args[0]) {
	case "global":
		return rules.GlobalScope(), args[1:], nil
	case "this":
		return rules.EventScope(in.EventID(), in.MapID()), args[1:], nil
	}
	eventID, err := strconv.Atoi(args[0])
	if err != nil {
		return rules.Scope{}, nil, fmt.Errorf("%w: invalid event id %q", ErrUsage, args[0])
	}
	if len(args) < 2 {
		return rules.Scope{}, nil, fmt.Errorf("%w: ADD on an event needs a map id", ErrUsage)
	}
	mapID, err := strconv.Atoi(args[1])
	if err != nil {
		return rules.Scope{}, nil, fmt.Errorf("%w: invalid map id %q", ErrUsage, args[1])
	}
	return rules.EventScope(eventID, mapID), args[2:], nil
}

// REMOVE ALL | REMOVE <global|this> <BUY|SELL|ALL> | REMOVE <eventId> <BUY|SELL|ALL> [mapId]
func parseRemove(in Interpreter, args []string) (Command, error) {
	if strings.EqualFold(args[0], "all") {
		return Command{Operation: OpResetAll}, nil
	}
	if len(args) < 2 {
		return Command{}, fmt.Errorf("%w: REMOVE needs an action", ErrUsage)
	}
	action, err := rules.ParseAction(args[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: REMOVE action must be BUY, SELL or ALL, got %q", ErrUsage, args[1])
	}

	var scope rules.Scope
	switch strings.ToLower(args[0]) {
	case "global":
		scope = rules.GlobalScope()
	case "this":
		scope = rules.EventScope(in.EventID(), in.MapID())
	default:
		eventID, err := strconv.Atoi(args[0])
		if err != nil {
			return Command{}, fmt.Errorf("%w: invalid event id %q", ErrUsage, args[0])
		}
		mapID := in.MapID()
		if len(args) > 2 {
			if mapID, err = strconv.Atoi(args[2]); err != nil {
				return Command{}, fmt.Errorf("%w: invalid map id %q", ErrUsage, args[2])
			}
		}
		scope = rules.EventScope(eventID, mapID)
	}
	return Command{Operation: OpRemove, Scope: scope, Action: action}, nil
}

// Dispatcher applies parsed commands to a rule store.
type Dispatcher struct {
	Rules Mutator
}

// Execute parses line in the context of in and applies it. A chain rejected by
// the store is reported as ErrUsage wrapping the store error.
func (d Dispatcher) Execute(in Interpreter, line string) (Result, error) {
	cmd, err := Parse(in, line)
	if err != nil {
		return Result{}, err
	}
	if err := d.Apply(cmd); err != nil {
		return Result{}, err
	}
	return Result{Command: cmd, Line: strings.TrimSpace(line)}, nil
}

// Apply runs an already parsed command.
func (d Dispatcher) Apply(cmd Command) error {
	switch cmd.Operation {
	case OpAdd:
		if err := d.Rules.Add(cmd.Scope, cmd.Action, cmd.Fragment); err != nil {
			return fmt.Errorf("%w: %w", ErrUsage, err)
		}
	case OpRemove:
		d.Rules.Remove(cmd.Scope, cmd.Action)
	case OpResetAll:
		d.Rules.ResetAll()
	default:
		return fmt.Errorf("%w: operation %q", ErrUnknownCommand, cmd.Operation)
	}
	return nil
}
