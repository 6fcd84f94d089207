package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/shop-reduction/internal/modifier"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

func TestExecuteAdd(t *testing.T) {
	here := Position{Event: 7, Map: 2}
	cases := []struct {
		line   string
		scope  rules.Scope
		action rules.Action
		chain  string
	}{
		{"Reduction ADD global BUY +10%", rules.GlobalScope(), rules.ActionBuy, "+10%"},
		{"reduction add this sell -10", rules.EventScope(7, 2), rules.ActionSell, "-10"},
		{"Reduction ADD 14 3 BUY +10% +5", rules.EventScope(14, 3), rules.ActionBuy, "+10%+5"},
		{"  REDUCTION  Add  Global  Sell  - 5 %  ", rules.GlobalScope(), rules.ActionSell, "-5%"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			store := rules.NewStore()
			res, err := Dispatcher{Rules: store}.Execute(here, tc.line)
			require.NoError(t, err)
			require.Equal(t, OpAdd, res.Operation)
			require.Equal(t, tc.scope, res.Scope)
			require.Equal(t, tc.action, res.Action)
			require.Equal(t, tc.chain, res.Fragment)

			if tc.scope.Global {
				require.Equal(t, tc.chain, store.GlobalChain(tc.action))
			} else {
				require.Equal(t, tc.chain, store.EventRules(tc.scope.Key)[tc.action])
			}
		})
	}
}

func TestExecuteRemove(t *testing.T) {
	here := Position{Event: 7, Map: 2}
	seed := func() *rules.Store {
		s := rules.NewStore()
		require.NoError(t, s.Add(rules.GlobalScope(), rules.ActionBuy, "+1"))
		require.NoError(t, s.Add(rules.GlobalScope(), rules.ActionSell, "+2"))
		require.NoError(t, s.Add(rules.EventScope(7, 2), rules.ActionBuy, "+3"))
		require.NoError(t, s.Add(rules.EventScope(7, 2), rules.ActionSell, "+4"))
		require.NoError(t, s.Add(rules.EventScope(5, 2), rules.ActionSell, "+5"))
		require.NoError(t, s.Add(rules.EventScope(29, 7), rules.ActionBuy, "+6"))
		return s
	}

	t.Run("global one action", func(t *testing.T) {
		s := seed()
		_, err := Dispatcher{Rules: s}.Execute(here, "Reduction REMOVE global BUY")
		require.NoError(t, err)
		require.Equal(t, rules.RuleSet{rules.ActionSell: "+2"}, s.GlobalRules())
	})

	t.Run("this all", func(t *testing.T) {
		s := seed()
		_, err := Dispatcher{Rules: s}.Execute(here, "Reduction REMOVE this ALL")
		require.NoError(t, err)
		require.Empty(t, s.EventRules(rules.ScopeKey{EventID: 7, MapID: 2}))
	})

	t.Run("event defaults to current map", func(t *testing.T) {
		s := seed()
		res, err := Dispatcher{Rules: s}.Execute(here, "Reduction REMOVE 5 SELL")
		require.NoError(t, err)
		require.Equal(t, rules.EventScope(5, 2), res.Scope)
		require.Empty(t, s.EventRules(rules.ScopeKey{EventID: 5, MapID: 2}))
	})

	t.Run("event with explicit map", func(t *testing.T) {
		s := seed()
		_, err := Dispatcher{Rules: s}.Execute(here, "Reduction RESET 29 BUY 7")
		require.NoError(t, err)
		require.Empty(t, s.EventRules(rules.ScopeKey{EventID: 29, MapID: 7}))
		require.Equal(t, 2, s.Len())
	})

	t.Run("reset all", func(t *testing.T) {
		s := seed()
		res, err := Dispatcher{Rules: s}.Execute(here, "Reduction RESET ALL")
		require.NoError(t, err)
		require.Equal(t, OpResetAll, res.Operation)
		require.Empty(t, s.GlobalRules())
		require.Zero(t, s.Len())
	})

	t.Run("missing scope is a no-op", func(t *testing.T) {
		s := seed()
		before := s.Snapshot()
		_, err := Dispatcher{Rules: s}.Execute(here, "Reduction REMOVE 99 ALL 99")
		require.NoError(t, err)
		require.Equal(t, before, s.Snapshot())
	})
}

func TestExecuteErrors(t *testing.T) {
	here := Position{Event: 1, Map: 1}
	unknown := []string{
		"",
		"ShowText hello",
		"Reduction MULTIPLY global BUY 2",
	}
	for _, line := range unknown {
		_, err := Dispatcher{Rules: rules.NewStore()}.Execute(here, line)
		require.ErrorIs(t, err, ErrUnknownCommand, line)
	}

	usage := []string{
		"Reduction",
		"Reduction ADD",
		"Reduction ADD global BUY",
		"Reduction ADD global ALL +5",
		"Reduction ADD global TRADE +5",
		"Reduction ADD 4 BUY +5",
		"Reduction ADD x 1 BUY +5",
		"Reduction ADD 4 1 BUY",
		"Reduction REMOVE global",
		"Reduction REMOVE global TRADE",
		"Reduction REMOVE x BUY",
		"Reduction REMOVE 4 BUY y",
	}
	for _, line := range usage {
		_, err := Dispatcher{Rules: rules.NewStore()}.Execute(here, line)
		require.ErrorIs(t, err, ErrUsage, line)
	}
}

func TestExecuteRejectsMalformedChain(t *testing.T) {
	store := rules.NewStore()
	_, err := Dispatcher{Rules: store}.Execute(Position{}, "Reduction ADD global BUY 10%")
	require.ErrorIs(t, err, ErrUsage)
	require.ErrorIs(t, err, modifier.ErrMalformedChain)
	require.Empty(t, store.GlobalRules())
}

func TestCommandString(t *testing.T) {
	cmd, err := Parse(Position{Event: 3, Map: 9}, "reduction add this buy +10% -2")
	require.NoError(t, err)
	require.Equal(t, "Reduction ADD 3 9 BUY +10%-2", cmd.String())
	require.Equal(t, "3.9", cmd.Target())

	cmd, err = Parse(Position{}, "reduction remove global all")
	require.NoError(t, err)
	require.Equal(t, "Reduction REMOVE global ALL", cmd.String())

	cmd, err = Parse(Position{}, "reduction reset all")
	require.NoError(t, err)
	require.Equal(t, "Reduction RESET ALL", cmd.String())
	require.Empty(t, cmd.Target())
}
