package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/shop-reduction/internal/modifier"
)

func TestAddGlobalOverwritesOnlyTargetAction(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(GlobalScope(), ActionBuy, "+10%"))
	require.NoError(t, s.Add(GlobalScope(), ActionSell, "-5"))
	require.NoError(t, s.Add(GlobalScope(), ActionBuy, "+20%"))

	require.Equal(t, RuleSet{ActionBuy: "+20%", ActionSell: "-5"}, s.GlobalRules())
}

func TestAddRejectsBadInput(t *testing.T) {
	s := NewStore()
	require.ErrorIs(t, s.Add(GlobalScope(), ActionAll, "+5"), ErrInvalidAction)
	require.ErrorIs(t, s.Add(GlobalScope(), ActionBuy, "10%"), modifier.ErrMalformedChain)
	require.ErrorIs(t, s.Add(EventScope(1, 1), ActionBuy, ""), modifier.ErrMalformedChain)
	require.Empty(t, s.GlobalRules())
	require.Zero(t, s.Len())
}

func TestEventScopesAreIsolated(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(EventScope(4, 1), ActionBuy, "+10%"))

	require.Equal(t, RuleSet{ActionBuy: "+10%"}, s.EventRules(ScopeKey{EventID: 4, MapID: 1}))
	require.Empty(t, s.EventRules(ScopeKey{EventID: 4, MapID: 2}))
	require.Empty(t, s.GlobalRules())
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(EventScope(4, 1), ActionBuy, "+10%"))
	require.NoError(t, s.Add(EventScope(4, 1), ActionSell, "-10%"))
	require.NoError(t, s.Add(GlobalScope(), ActionBuy, "+1"))

	s.Remove(EventScope(4, 1), ActionBuy)
	before := s.Snapshot()
	s.Remove(EventScope(4, 1), ActionBuy)
	require.Equal(t, before, s.Snapshot())
	require.Equal(t, RuleSet{ActionSell: "-10%"}, s.EventRules(ScopeKey{EventID: 4, MapID: 1}))

	s.Remove(EventScope(9, 9), ActionAll)
	s.Remove(EventScope(9, 9), ActionSell)
	s.Remove(GlobalScope(), ActionSell)
	require.Equal(t, before, s.Snapshot())
}

func TestRemoveLastActionDropsEventEntry(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(EventScope(2, 3), ActionSell, "-5"))
	s.Remove(EventScope(2, 3), ActionSell)
	require.Zero(t, s.Len())
	require.Empty(t, s.Snapshot().EventsShopReduction)
}

func TestRemoveAll(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(GlobalScope(), ActionBuy, "+1"))
	require.NoError(t, s.Add(GlobalScope(), ActionSell, "+2"))
	require.NoError(t, s.Add(EventScope(1, 1), ActionBuy, "+3"))

	s.Remove(GlobalScope(), ActionAll)
	require.Empty(t, s.GlobalRules())
	require.Equal(t, 1, s.Len())

	s.Remove(EventScope(1, 1), ActionAll)
	require.Zero(t, s.Len())
}

func TestShopSession(t *testing.T) {
	s := NewStore()
	require.Empty(t, s.ActiveRules())
	require.Equal(t, "", s.ShopChain(ActionBuy))

	require.NoError(t, s.Add(EventScope(4, 1), ActionBuy, "+10%"))
	active := s.BeginShopSession(ScopeKey{EventID: 4, MapID: 1})
	require.Equal(t, RuleSet{ActionBuy: "+10%"}, active)
	require.Equal(t, "+10%", s.ShopChain(ActionBuy))
	require.Equal(t, "", s.ShopChain(ActionSell))

	s.BeginShopSession(ScopeKey{EventID: 4, MapID: 2})
	require.Empty(t, s.ActiveRules())

	s.BeginShopSession(ScopeKey{EventID: 4, MapID: 1})
	s.EndShopSession()
	require.Empty(t, s.ActiveRules())
}

func TestResetAll(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(GlobalScope(), ActionBuy, "+1"))
	require.NoError(t, s.Add(EventScope(1, 1), ActionBuy, "+3"))
	s.BeginShopSession(ScopeKey{EventID: 1, MapID: 1})

	s.ResetAll()
	require.Empty(t, s.GlobalRules())
	require.Zero(t, s.Len())
	require.Empty(t, s.ActiveRules())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(GlobalScope(), ActionBuy, "+10%"))
	require.NoError(t, s.Add(EventScope(4, 1), ActionSell, "-5+2%"))
	require.NoError(t, s.Add(EventScope(14, 3), ActionBuy, "+10%+5"))

	data, err := EncodeSaveContents(s.Snapshot())
	require.NoError(t, err)
	require.JSONEq(t, `{
		"globalShopReduction": {"buy": "+10%"},
		"eventsShopReduction": {"4.1": {"sell": "-5+2%"}, "14.3": {"buy": "+10%+5"}}
	}`, string(data))

	decoded, err := DecodeSaveContents(data)
	require.NoError(t, err)

	restored := NewStore()
	restored.Restore(decoded)
	require.Equal(t, s.Snapshot(), restored.Snapshot())
}

func TestRestoreReplacesState(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(EventScope(7, 7), ActionBuy, "+1"))
	s.Restore(SaveContents{GlobalShopReduction: RuleSet{ActionSell: "-1"}})
	require.Zero(t, s.Len())
	require.Equal(t, RuleSet{ActionSell: "-1"}, s.GlobalRules())
}

func TestDecodeSaveContentsDefaults(t *testing.T) {
	contents, err := DecodeSaveContents([]byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, contents.GlobalShopReduction)
	require.NotNil(t, contents.EventsShopReduction)

	contents, err = DecodeSaveContents([]byte(`{"globalShopReduction": null, "eventsShopReduction": null}`))
	require.NoError(t, err)
	require.Empty(t, contents.GlobalShopReduction)
	require.Empty(t, contents.EventsShopReduction)
}

func TestDecodeSaveContentsRejectsInvalidDocuments(t *testing.T) {
	docs := []string{
		`not json`,
		`[]`,
		`{"globalShopReduction": {"trade": "+1"}}`,
		`{"eventsShopReduction": {"4-1": {"buy": "+1"}}}`,
		`{"eventsShopReduction": {"4.1": {"buy": 5}}}`,
	}
	for _, doc := range docs {
		_, err := DecodeSaveContents([]byte(doc))
		require.ErrorIs(t, err, ErrInvalidContents, doc)
	}
}

func TestScopeKeyText(t *testing.T) {
	key, err := ParseScopeKey("14.3")
	require.NoError(t, err)
	require.Equal(t, ScopeKey{EventID: 14, MapID: 3}, key)
	require.Equal(t, "14.3", key.String())

	_, err = ParseScopeKey("14")
	require.Error(t, err)
	_, err = ParseScopeKey("a.3")
	require.Error(t, err)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" BUY ")
	require.NoError(t, err)
	require.Equal(t, ActionBuy, a)
	_, err = ParseAction("trade")
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
global:
  buy: "+10%"
events:
  - event_id: 4
    map_id: 1
    rules:
      sell: "-5"
`), 0o600))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	require.False(t, presets.Empty())

	s := NewStore()
	require.NoError(t, presets.Apply(s))
	require.Equal(t, RuleSet{ActionBuy: "+10%"}, s.GlobalRules())
	require.Equal(t, RuleSet{ActionSell: "-5"}, s.EventRules(ScopeKey{EventID: 4, MapID: 1}))

	none, err := LoadPresets("")
	require.NoError(t, err)
	require.True(t, none.Empty())

	bad := Presets{Global: RuleSetSpec{Buy: "10%"}}
	require.ErrorIs(t, bad.Apply(NewStore()), modifier.ErrMalformedChain)
}
