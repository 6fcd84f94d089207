package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/shop-reduction/internal/command"
	"github.com/noah-isme/shop-reduction/internal/common"
	"github.com/noah-isme/shop-reduction/internal/journal"
	"github.com/noah-isme/shop-reduction/internal/modifier"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/pricing"
	"github.com/noah-isme/shop-reduction/internal/resilience"
	"github.com/noah-isme/shop-reduction/internal/rules"
	"github.com/noah-isme/shop-reduction/internal/savestore"
)

// Operations journaled besides the command ones.
const (
	opImport = "import"
	opLoad   = "load"
)

// Handler exposes game sessions over HTTP.
type Handler struct {
	Registry *Registry
	Engine   pricing.Engine
	Journal  journal.Recorder
	// History lists journal entries. Nil disables the journal endpoint.
	History  journal.Store
	Validate *validator.Validate
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Routes registers the session endpoints on r. saveMiddleware wraps the slot
// writes, typically with the idempotency middleware.
func (h *Handler) Routes(r chi.Router, saveMiddleware ...func(http.Handler) http.Handler) {
	r.Post("/sessions", h.Create)
	r.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/", h.Show)
		s.Delete("/", h.Close)
		s.Post("/commands", h.Command)
		s.Put("/rules", h.AddRule)
		s.Delete("/rules", h.RemoveRule)
		s.Post("/reset", h.Reset)
		s.Post("/shop", h.BeginShop)
		s.Delete("/shop", h.EndShop)
		s.Post("/quote", h.Quote)
		s.Post("/explain", h.Explain)
		s.Get("/contents", h.Export)
		s.Put("/contents", h.Import)
		s.Get("/journal", h.ListJournal)
		s.Group(func(w chi.Router) {
			w.Use(saveMiddleware...)
			w.Put("/slots/{slot}", h.SaveSlot)
			w.Post("/slots/{slot}/load", h.LoadSlot)
			w.Delete("/slots/{slot}", h.DeleteSlot)
		})
	})
}

type sessionView struct {
	ID        uuid.UUID          `json:"id"`
	Author    string             `json:"author"`
	CreatedAt time.Time          `json:"created_at"`
	Position  command.Position   `json:"position"`
	Contents  rules.SaveContents `json:"contents"`
	Active    rules.RuleSet      `json:"active"`
}

func viewOf(s *Session) sessionView {
	return sessionView{
		ID:        s.ID,
		Author:    s.Author,
		CreatedAt: s.CreatedAt,
		Position:  s.Position(),
		Contents:  s.Rules.Snapshot(),
		Active:    s.Rules.ActiveRules(),
	}
}

// Create handles POST /sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	author, _ := common.Author(r.Context())
	sess, err := h.Registry.NewGame(author)
	if err != nil {
		h.Logger.Error().Err(err).Msg("create session")
		common.WriteError(w, err)
		return
	}
	obs.TagSession(r.Context(), sess.ID.String())
	common.JSON(w, http.StatusCreated, map[string]any{"data": viewOf(sess)})
}

// Show handles GET /sessions/{sessionID}.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(sess)})
}

// Close handles DELETE /sessions/{sessionID}.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.Registry.Close(sess.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Line    string `json:"line" validate:"required,max=512"`
	EventID *int   `json:"event_id"`
	MapID   *int   `json:"map_id"`
}

// Command handles POST /sessions/{sessionID}/commands. event_id and map_id
// override the event "this" refers to for this command only.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !h.decode(w, r, &req) {
		return
	}
	pos := sess.Position()
	if req.EventID != nil {
		pos.Event = *req.EventID
	}
	if req.MapID != nil {
		pos.Map = *req.MapID
	}

	result, err := command.Dispatcher{Rules: sess.Rules}.Execute(pos, req.Line)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.mutated(r.Context(), sess, string(result.Operation), result.Command.String())
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"operation": result.Operation,
		"target":    result.Target(),
		"action":    result.Action,
		"fragment":  result.Fragment,
		"contents":  sess.Rules.Snapshot(),
	}})
}

type ruleRequest struct {
	Scope   string `json:"scope" validate:"required,oneof=global event"`
	EventID int    `json:"event_id"`
	MapID   int    `json:"map_id"`
	Action  string `json:"action" validate:"required,oneof=buy sell"`
	Chain   string `json:"chain" validate:"required,max=256"`
}

// AddRule handles PUT /sessions/{sessionID}/rules.
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if !h.decode(w, r, &req) {
		return
	}
	cmd := command.Command{
		Operation: command.OpAdd,
		Scope:     scopeOf(req.Scope, req.EventID, req.MapID),
		Action:    rules.Action(req.Action),
		Fragment:  strings.Join(strings.Fields(req.Chain), ""),
	}
	h.apply(w, r, sess, cmd)
}

// RemoveRule handles DELETE /sessions/{sessionID}/rules?scope=&event_id=&map_id=&action=.
func (h *Handler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	action, err := rules.ParseAction(q.Get("action"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	scope := strings.ToLower(q.Get("scope"))
	var cmd command.Command
	switch scope {
	case "global":
		cmd = command.Command{Operation: command.OpRemove, Scope: rules.GlobalScope(), Action: action}
	case "event":
		eventID, errE := strconv.Atoi(q.Get("event_id"))
		mapID, errM := strconv.Atoi(q.Get("map_id"))
		if errE != nil || errM != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "event_id and map_id must be integers", nil)
			return
		}
		cmd = command.Command{Operation: command.OpRemove, Scope: rules.EventScope(eventID, mapID), Action: action}
	default:
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "scope must be global or event", nil)
		return
	}
	h.apply(w, r, sess, cmd)
}

// Reset handles POST /sessions/{sessionID}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.apply(w, r, sess, command.Command{Operation: command.OpResetAll})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, sess *Session, cmd command.Command) {
	if err := (command.Dispatcher{Rules: sess.Rules}).Apply(cmd); err != nil {
		writeDomainError(w, err)
		return
	}
	h.mutated(r.Context(), sess, string(cmd.Operation), cmd.String())
	common.JSON(w, http.StatusOK, map[string]any{"data": sess.Rules.Snapshot()})
}

type shopRequest struct {
	EventID int `json:"event_id"`
	MapID   int `json:"map_id"`
}

// BeginShop handles POST /sessions/{sessionID}/shop. It opens the shop run by
// the given event and makes that event the target of "this".
func (h *Handler) BeginShop(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req shopRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess.MoveTo(command.Position{Event: req.EventID, Map: req.MapID})
	active := sess.Rules.BeginShopSession(rules.ScopeKey{EventID: req.EventID, MapID: req.MapID})
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"active": active}})
}

// EndShop handles DELETE /sessions/{sessionID}/shop.
func (h *Handler) EndShop(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Rules.EndShopSession()
	w.WriteHeader(http.StatusNoContent)
}

type quoteRequest struct {
	Action    string `json:"action" validate:"required,oneof=buy sell"`
	BasePrice *int64 `json:"base_price" validate:"required"`
}

// Quote handles POST /sessions/{sessionID}/quote. A broken chain never fails
// the trade: the base price is returned with fallback set.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	action := rules.Action(req.Action)
	resp := quoteResponse{
		BasePrice:   *req.BasePrice,
		ShopChain:   sess.Rules.ShopChain(action),
		GlobalChain: sess.Rules.GlobalChain(action),
	}
	resp.Price, resp.err = h.Engine.PriceOrBase(resp.BasePrice, resp.ShopChain, resp.GlobalChain)
	writeQuote(w, "session", resp)
}

// Explain handles POST /sessions/{sessionID}/explain.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	action := rules.Action(req.Action)
	breakdown, err := h.Engine.Explain(*req.BasePrice, sess.Rules.ShopChain(action), sess.Rules.GlobalChain(action))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": breakdown})
}

// Export handles GET /sessions/{sessionID}/contents.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, sess.Rules.Snapshot())
}

// Import handles PUT /sessions/{sessionID}/contents. The body is a save
// document and replaces every global and event rule.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	contents, err := rules.DecodeSaveContents(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sess.Rules.Restore(contents)
	h.mutated(r.Context(), sess, opImport, "")
	common.JSON(w, http.StatusOK, sess.Rules.Snapshot())
}

// SaveSlot handles PUT /sessions/{sessionID}/slots/{slot}.
func (h *Handler) SaveSlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	slot, err := slotKey(sess, chi.URLParam(r, "slot"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Registry.Save(r.Context(), sess.ID, slot); err != nil {
		h.logSaveError(r, err, "save slot")
		writeDomainError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"slot": chi.URLParam(r, "slot")}})
}

// LoadSlot handles POST /sessions/{sessionID}/slots/{slot}/load.
func (h *Handler) LoadSlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	slot := chi.URLParam(r, "slot")
	key, err := slotKey(sess, slot)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	contents, err := h.Registry.Load(r.Context(), sess.ID, key)
	if err != nil {
		h.logSaveError(r, err, "load slot")
		writeDomainError(w, err)
		return
	}
	h.mutated(r.Context(), sess, opLoad, slot)
	common.JSON(w, http.StatusOK, map[string]any{"data": contents})
}

// DeleteSlot handles DELETE /sessions/{sessionID}/slots/{slot}.
func (h *Handler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	key, err := slotKey(sess, chi.URLParam(r, "slot"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Registry.DeleteSave(r.Context(), key); err != nil {
		h.logSaveError(r, err, "delete slot")
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJournal handles GET /sessions/{sessionID}/journal?page=&limit=.
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.History == nil {
		common.JSONError(w, http.StatusNotFound, "JOURNAL_DISABLED", "rule journal is disabled", nil)
		return
	}
	page := common.ParsePagination(r, 20, 100)
	entries, err := h.History.List(r.Context(), sess.ID, page.PerPage, page.Offset())
	if err != nil {
		h.Logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("list journal")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not list journal", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entries, "pagination": page})
}

// session resolves the {sessionID} path parameter for the current author.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_SESSION_ID", "session id must be a UUID", nil)
		return nil, false
	}
	sess, err := h.Registry.Get(id)
	if err == nil {
		if author, _ := common.Author(r.Context()); sess.Author != author {
			err = ErrSessionNotFound
		}
	}
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	obs.TagSession(r.Context(), sess.ID.String())
	return sess, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := common.DecodeJSON(r, dst); err != nil {
		common.WriteError(w, err)
		return false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(dst); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", validationDetails(err))
			return false
		}
	}
	return true
}

// mutated counts and journals a successful authoring operation. Journal
// failures are logged and never reach the caller.
func (h *Handler) mutated(ctx context.Context, sess *Session, operation, line string) {
	if obs.RuleMutationsTotal != nil {
		obs.RuleMutationsTotal.WithLabelValues(operation).Inc()
	}
	if h.Journal == nil {
		return
	}
	contents, err := rules.EncodeSaveContents(sess.Rules.Snapshot())
	if err != nil {
		h.Logger.Error().Err(err).Msg("encode journal contents")
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	entry := journal.Entry{
		ID:         uuid.New(),
		SessionID:  sess.ID,
		Author:     sess.Author,
		Operation:  operation,
		Command:    line,
		Contents:   json.RawMessage(contents),
		RecordedAt: now().UTC(),
	}
	if err := h.Journal.Record(ctx, entry); err != nil {
		h.Logger.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Str("operation", operation).
			Msg("journal record failed")
	}
}

func (h *Handler) logSaveError(r *http.Request, err error, msg string) {
	if errors.Is(err, savestore.ErrSlotNotFound) || errors.Is(err, savestore.ErrInvalidSlot) || errors.Is(err, ErrSavesDisabled) || errors.Is(err, resilience.ErrOpenCircuit) {
		return
	}
	h.Logger.Error().Err(err).Str("slot", chi.URLParam(r, "slot")).Msg(msg)
}

// slotKey namespaces a slot by the session author. The separator may not
// appear in either part, so one author can never address another's slots.
func slotKey(sess *Session, slot string) (string, error) {
	if strings.Contains(slot, "/") {
		return "", fmt.Errorf("%w: %q contains '/'", savestore.ErrInvalidSlot, slot)
	}
	if sess.Author == "" {
		return slot, nil
	}
	if strings.Contains(sess.Author, "/") {
		return "", fmt.Errorf("%w: author %q contains '/'", savestore.ErrInvalidSlot, sess.Author)
	}
	return sess.Author + "/" + slot, nil
}

func scopeOf(kind string, eventID, mapID int) rules.Scope {
	if kind == "global" {
		return rules.GlobalScope()
	}
	return rules.EventScope(eventID, mapID)
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return details
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		common.JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", nil)
	case errors.Is(err, modifier.ErrMalformedChain):
		common.JSONError(w, http.StatusUnprocessableEntity, "MALFORMED_CHAIN", err.Error(), nil)
	case errors.Is(err, modifier.ErrArithmetic):
		common.JSONError(w, http.StatusUnprocessableEntity, "ARITHMETIC_ERROR", err.Error(), nil)
	case errors.Is(err, command.ErrUnknownCommand):
		common.JSONError(w, http.StatusBadRequest, "UNKNOWN_COMMAND", err.Error(), nil)
	case errors.Is(err, command.ErrUsage):
		common.JSONError(w, http.StatusUnprocessableEntity, "COMMAND_USAGE", err.Error(), nil)
	case errors.Is(err, rules.ErrInvalidAction):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_ACTION", err.Error(), nil)
	case errors.Is(err, rules.ErrInvalidContents):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_CONTENTS", err.Error(), nil)
	case errors.Is(err, savestore.ErrSlotNotFound):
		common.JSONError(w, http.StatusNotFound, "SLOT_NOT_FOUND", "save slot not found", nil)
	case errors.Is(err, savestore.ErrInvalidSlot):
		common.JSONError(w, http.StatusBadRequest, "INVALID_SLOT", err.Error(), nil)
	case errors.Is(err, ErrSavesDisabled):
		common.JSONError(w, http.StatusServiceUnavailable, "SAVES_DISABLED", "save store not configured", nil)
	case errors.Is(err, resilience.ErrOpenCircuit):
		w.Header().Set("Retry-After", "30")
		common.JSONError(w, http.StatusServiceUnavailable, "SAVES_UNAVAILABLE", "save store temporarily unavailable", nil)
	default:
		common.WriteError(w, err)
	}
}
