package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/shop-reduction/internal/common"
	"github.com/noah-isme/shop-reduction/internal/journal"
	"github.com/noah-isme/shop-reduction/internal/pricing"
	"github.com/noah-isme/shop-reduction/internal/resilience"
	"github.com/noah-isme/shop-reduction/internal/rules"
	"github.com/noah-isme/shop-reduction/internal/savestore"
)

const testAuthorHeader = "X-Test-Author"

type recordingJournal struct {
	entries []journal.Entry
	err     error
}

func (j *recordingJournal) Record(_ context.Context, e journal.Entry) error {
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *recordingJournal) Insert(ctx context.Context, e journal.Entry) error {
	return j.Record(ctx, e)
}

func (j *recordingJournal) List(_ context.Context, id uuid.UUID, limit, offset int) ([]journal.Entry, error) {
	var out []journal.Entry
	for _, e := range j.entries {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return []journal.Entry{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fixture struct {
	router   chi.Router
	registry *Registry
	journal  *recordingJournal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	saves, err := savestore.OpenSQLite(filepath.Join(t.TempDir(), "saves.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = saves.Close() })
	return newFixtureWith(t, saves)
}

func newFixtureWith(t *testing.T, saves savestore.Store) fixture {
	t.Helper()
	registry := NewRegistry(rules.Presets{}, saves, time.Hour)
	j := &recordingJournal{}
	h := &Handler{
		Registry: registry,
		Engine:   pricing.Engine{Logger: zerolog.Nop()},
		Journal:  j,
		History:  j,
		Validate: validator.New(),
		Logger:   zerolog.Nop(),
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			author := req.Header.Get(testAuthorHeader)
			if author == "" {
				author = "designer"
			}
			next.ServeHTTP(w, req.WithContext(common.WithAuthor(req.Context(), author)))
		})
	})
	h.Routes(r)
	r.Post("/price", PriceHandler{Engine: h.Engine, Validate: h.Validate}.Price)
	return fixture{router: r, registry: registry, journal: j}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, "", method, path, body)
}

func (f fixture) doAs(t *testing.T, author, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if author != "" {
		req.Header.Set(testAuthorHeader, author)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f fixture) newSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := data[sessionView](t, rec)
	return "/sessions/" + view.ID.String()
}

func data[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func TestCommandThenQuote(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	rec := f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction ADD global BUY +10%"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/quote", `{"action":"buy","base_price":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	q := data[quoteResponse](t, rec)
	require.Equal(t, int64(110), q.Price)
	require.False(t, q.Fallback)

	rec = f.do(t, http.MethodPost, base+"/quote", `{"action":"sell","base_price":100}`)
	require.Equal(t, int64(100), data[quoteResponse](t, rec).Price)
}

func TestShopSessionDrivesThisAndQuotes(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	rec := f.do(t, http.MethodPost, base+"/shop", `{"event_id":4,"map_id":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction ADD this BUY +10%"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "4.1", data[map[string]any](t, rec)["target"])

	// Rules added while a shop is open apply from the next visit.
	rec = f.do(t, http.MethodPost, base+"/quote", `{"action":"buy","base_price":100}`)
	require.Equal(t, int64(100), data[quoteResponse](t, rec).Price)

	f.do(t, http.MethodPost, base+"/shop", `{"event_id":4,"map_id":1}`)
	f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction ADD global BUY +10%"}`)
	rec = f.do(t, http.MethodPost, base+"/quote", `{"action":"buy","base_price":100}`)
	require.Equal(t, int64(121), data[quoteResponse](t, rec).Price)

	rec = f.do(t, http.MethodPost, base+"/explain", `{"action":"buy","base_price":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	b := data[pricing.Breakdown](t, rec)
	require.Equal(t, int64(121), b.Price)
	require.Len(t, b.Steps, 2)

	rec = f.do(t, http.MethodDelete, base+"/shop", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/quote", `{"action":"buy","base_price":100}`)
	require.Equal(t, int64(110), data[quoteResponse](t, rec).Price)

	// An explicit event overrides the current position.
	rec = f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction REMOVE this ALL","event_id":4,"map_id":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := f.mustSession(t, base)
	require.Empty(t, sess.Rules.EventRules(rules.ScopeKey{EventID: 4, MapID: 1}))
}

func (f fixture) mustSession(t *testing.T, base string) *Session {
	t.Helper()
	id, err := uuid.Parse(strings.TrimPrefix(base, "/sessions/"))
	require.NoError(t, err)
	sess, err := f.registry.Get(id)
	require.NoError(t, err)
	return sess
}

func TestCommandErrors(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	cases := []struct {
		body string
		code int
		err  string
	}{
		{`{"line":"ShowText hi"}`, http.StatusBadRequest, "UNKNOWN_COMMAND"},
		{`{"line":"Reduction ADD global BUY"}`, http.StatusUnprocessableEntity, "COMMAND_USAGE"},
		{`{"line":"Reduction ADD global BUY 10%"}`, http.StatusUnprocessableEntity, "MALFORMED_CHAIN"},
		{`{"line":""}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{`{"line":"x","extra":1}`, http.StatusBadRequest, "INVALID_JSON"},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, base+"/commands", tc.body)
		require.Equal(t, tc.code, rec.Code, tc.body)
		require.Equal(t, tc.err, errorCode(t, rec), tc.body)
	}
	require.Empty(t, f.journal.entries)
}

func TestRuleEndpoints(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	rec := f.do(t, http.MethodPut, base+"/rules", `{"scope":"event","event_id":14,"map_id":3,"action":"buy","chain":"+10% +5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPut, base+"/rules", `{"scope":"global","action":"sell","chain":"-5"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sess := f.mustSession(t, base)
	require.Equal(t, rules.RuleSet{rules.ActionBuy: "+10%+5"}, sess.Rules.EventRules(rules.ScopeKey{EventID: 14, MapID: 3}))
	require.Equal(t, rules.RuleSet{rules.ActionSell: "-5"}, sess.Rules.GlobalRules())

	rec = f.do(t, http.MethodPut, base+"/rules", `{"scope":"global","action":"all","chain":"-5"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, base+"/rules", `{"scope":"global","action":"buy","chain":"5%"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodDelete, base+"/rules?scope=event&event_id=14&map_id=3&action=all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, sess.Rules.Len())

	// Removing again is a no-op.
	rec = f.do(t, http.MethodDelete, base+"/rules?scope=event&event_id=14&map_id=3&action=buy", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, base+"/rules?scope=shop&action=buy", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodDelete, base+"/rules?scope=global&action=trade", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, sess.Rules.GlobalRules())

	ops := make([]string, 0, len(f.journal.entries))
	for _, e := range f.journal.entries {
		ops = append(ops, e.Operation)
	}
	require.Equal(t, []string{"add", "add", "remove", "remove", "reset_all"}, ops)
	require.Equal(t, "Reduction ADD 14 3 BUY +10%+5", f.journal.entries[0].Command)
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	doc := `{"globalShopReduction":{"buy":"+10%"},"eventsShopReduction":{"4.1":{"sell":"-5"}}}`
	rec := f.do(t, http.MethodPut, base+"/contents", doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, base+"/contents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, doc, rec.Body.String())

	rec = f.do(t, http.MethodPut, base+"/contents", `{"globalShopReduction":{"trade":"+1"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "INVALID_CONTENTS", errorCode(t, rec))
}

func TestSaveAndLoadSlots(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction ADD 4 1 SELL -10"}`)
	rec := f.do(t, http.MethodPut, base+"/slots/quick", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction RESET ALL"}`)
	sess := f.mustSession(t, base)
	require.Zero(t, sess.Rules.Len())

	rec = f.do(t, http.MethodPost, base+"/slots/quick/load", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, rules.RuleSet{rules.ActionSell: "-10"}, sess.Rules.EventRules(rules.ScopeKey{EventID: 4, MapID: 1}))

	// Slots are private to their author.
	other := f.doAs(t, "rival", http.MethodPost, "/sessions", "")
	otherBase := "/sessions/" + data[sessionView](t, other).ID.String()
	rec = f.doAs(t, "rival", http.MethodPost, otherBase+"/slots/quick/load", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "SLOT_NOT_FOUND", errorCode(t, rec))

	rec = f.do(t, http.MethodDelete, base+"/slots/quick", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, base+"/slots/quick", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPut, base+"/slots/bad%20name", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlotNamesCannotCrossAuthors(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction ADD 4 1 SELL -10"}`)
	rec := f.do(t, http.MethodPut, base+"/slots/secret", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, base+"/slots/x%2Fsecret", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_SLOT", errorCode(t, rec))

	// An author name carrying the separator cannot reach designer's slots.
	spoof := f.doAs(t, "designer/x", http.MethodPost, "/sessions", "")
	spoofBase := "/sessions/" + data[sessionView](t, spoof).ID.String()
	for _, method := range []string{http.MethodPut, http.MethodDelete} {
		rec = f.doAs(t, "designer/x", method, spoofBase+"/slots/secret", "")
		require.Equal(t, http.StatusBadRequest, rec.Code, method)
		require.Equal(t, "INVALID_SLOT", errorCode(t, rec), method)
	}
	rec = f.doAs(t, "designer/x", http.MethodPost, spoofBase+"/slots/secret/load", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/slots/secret/load", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSlotKey(t *testing.T) {
	key, err := slotKey(&Session{Author: "alice"}, "x")
	require.NoError(t, err)
	require.Equal(t, "alice/x", key)

	key, err = slotKey(&Session{}, "quick")
	require.NoError(t, err)
	require.Equal(t, "quick", key)

	_, err = slotKey(&Session{Author: "alice"}, "x/secret")
	require.ErrorIs(t, err, savestore.ErrInvalidSlot)
	_, err = slotKey(&Session{Author: "alice/x"}, "secret")
	require.ErrorIs(t, err, savestore.ErrInvalidSlot)
}

type downStore struct{}

func (downStore) Put(context.Context, string, rules.SaveContents) error { return errors.New("connection refused") }
func (downStore) Get(context.Context, string) (rules.SaveContents, error) {
	return rules.SaveContents{}, errors.New("connection refused")
}
func (downStore) Delete(context.Context, string) error { return errors.New("connection refused") }
func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestSavesUnavailableWhileBreakerOpen(t *testing.T) {
	f := newFixtureWith(t, savestore.Guarded{Store: downStore{}, Breaker: resilience.NewBreaker(1, 0.5, time.Hour)})
	base := f.newSession(t)

	rec := f.do(t, http.MethodPut, base+"/slots/quick", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, base+"/slots/quick", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	require.Equal(t, "SAVES_UNAVAILABLE", errorCode(t, rec))
	require.Equal(t, "30", rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodPost, base+"/slots/quick/load", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionAccess(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)

	rec := f.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doAs(t, "intruder", http.MethodGet, base, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, base, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "SESSION_NOT_FOUND", errorCode(t, rec))
}

func TestJournalFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)
	f.journal.err = errors.New("queue down")

	rec := f.do(t, http.MethodPost, base+"/commands", `{"line":"Reduction ADD global BUY +1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "+1", f.mustSession(t, base).Rules.GlobalChain(rules.ActionBuy))
}

func TestJournalListing(t *testing.T) {
	f := newFixture(t)
	base := f.newSession(t)
	for _, line := range []string{"Reduction ADD global BUY +1", "Reduction ADD global SELL -1", "Reduction RESET ALL"} {
		f.do(t, http.MethodPost, base+"/commands", `{"line":"`+line+`"}`)
	}

	rec := f.do(t, http.MethodGet, base+"/journal?page=2&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := data[[]journal.Entry](t, rec)
	require.Len(t, entries, 1)
	require.Equal(t, "reset_all", entries[0].Operation)
	require.JSONEq(t, `{"globalShopReduction":{},"eventsShopReduction":{}}`, string(entries[0].Contents))
}

func TestStatelessPrice(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/price", `{"base_price":100,"shop_chain":"+10%","global_chain":"-5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(105), data[quoteResponse](t, rec).Price)

	rec = f.do(t, http.MethodPost, "/price", `{"base_price":100,"shop_chain":"10%"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	q := data[quoteResponse](t, rec)
	require.True(t, q.Fallback)
	require.Equal(t, int64(100), q.Price)
	require.NotEmpty(t, q.Error)

	rec = f.do(t, http.MethodPost, "/price", `{"base_price":100,"shop_chain":"10%","explain":true}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/price", `{"shop_chain":"+1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
}

func TestRegistryLifecycle(t *testing.T) {
	presets := rules.Presets{Global: rules.RuleSetSpec{Buy: "+10%"}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewRegistry(presets, nil, time.Minute)
	reg.Now = func() time.Time { return now }

	a, err := reg.NewGame("designer")
	require.NoError(t, err)
	require.Equal(t, "+10%", a.Rules.GlobalChain(rules.ActionBuy))
	b, err := reg.NewGame("designer")
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	require.ErrorIs(t, reg.Save(context.Background(), a.ID, "slot"), ErrSavesDisabled)

	now = now.Add(50 * time.Second)
	_, err = reg.Get(b.ID)
	require.NoError(t, err)
	now = now.Add(20 * time.Second)
	require.Equal(t, 1, reg.Sweep())
	_, err = reg.Get(a.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, reg.Close(b.ID))
	require.ErrorIs(t, reg.Close(b.ID), ErrSessionNotFound)
	require.Zero(t, reg.Len())

	bad := NewRegistry(rules.Presets{Global: rules.RuleSetSpec{Buy: "oops"}}, nil, 0)
	_, err = bad.NewGame("designer")
	require.Error(t, err)
}
