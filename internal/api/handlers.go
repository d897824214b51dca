package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/news"
	"github.com/atmx/trading-game/internal/quiz"
	"github.com/atmx/trading-game/internal/trade"
)

// --- Request/Response types ---

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	TeamCode string `json:"teamCode"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	TeamID   int64  `json:"teamId"`
	StockID  int64  `json:"stockId"`
	Quantity int64  `json:"quantity"`
	Action   string `json:"action"` // "buy" or "sell"
}

// SubmitRequest is the JSON body for POST /quiz/submit.
type SubmitRequest struct {
	TeamID         int64 `json:"teamId"`
	QuestionID     int64 `json:"questionId"`
	SelectedAnswer *int  `json:"selectedAnswer"`
	Force          bool  `json:"force"`
}

// EventActionRequest is the JSON body for POST /events/trigger.
type EventActionRequest struct {
	EventID int64  `json:"eventId"`
	Action  string `json:"action"` // "trigger", "activate" or "deactivate"
}

type stateResponse struct {
	Message   string          `json:"message"`
	GameState model.GameState `json:"gameState"`
}

type tradeResponse struct {
	Message           string          `json:"message"`
	Action            string          `json:"action"`
	GameState         model.GameState `json:"gameState"`
	TransactionResult *trade.Result   `json:"transactionResult"`
}

type submitResponse struct {
	*quiz.Result
	Message   string          `json:"message"`
	GameState model.GameState `json:"gameState"`
}

type errorBody struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Hint      string           `json:"hint,omitempty"`
	GameState *model.GameState `json:"gameState,omitempty"`
}

// --- Auth and instruments ---

// Login handles POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	team, err := h.reports.LoginTeam(r.Context(), req.TeamCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "login successful", "team": team})
}

// ListStocks handles GET /api/stocks
func (h *Handler) ListStocks(w http.ResponseWriter, r *http.Request) {
	list, err := h.reports.Instruments(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// StockHistory handles GET /api/stocks/{stockID}/history
func (h *Handler) StockHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathInt(w, r, "stockID")
	if !ok {
		return
	}
	trades, err := h.reports.InstrumentHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Trading ---

// ExecuteTrade handles POST /api/trade
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	order := trade.Order{TeamID: req.TeamID, InstrumentID: req.StockID, Quantity: req.Quantity}

	var (
		res *trade.Result
		err error
		msg string
	)
	action := strings.ToLower(strings.TrimSpace(req.Action))
	switch action {
	case "buy":
		res, err = h.trades.Buy(r.Context(), order)
		msg = "buy order filled"
	case "sell":
		res, err = h.trades.Sell(r.Context(), order)
		msg = "sell order filled"
	default:
		err = apperr.Validation("action must be buy or sell")
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		Message:           msg,
		Action:            action,
		GameState:         h.game.State(),
		TransactionResult: res,
	})
}

// TradeStatus handles GET /api/game/trade/status
func (h *Handler) TradeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.game.TradeStatus())
}

// RoundTrades handles GET /api/game/trade/history/{round}
func (h *Handler) RoundTrades(w http.ResponseWriter, r *http.Request) {
	round, ok := h.pathInt(w, r, "round")
	if !ok {
		return
	}
	res, err := h.reports.RoundTrades(r.Context(), int(round))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Game lifecycle ---

// GameState handles GET /api/game/state
func (h *Handler) GameState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.game.State())
}

// StartGame handles POST /api/game/start
func (h *Handler) StartGame(w http.ResponseWriter, r *http.Request) {
	st, err := h.game.Start(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Message: "game started", GameState: st})
}

// ResetGame handles POST /api/game/reset
func (h *Handler) ResetGame(w http.ResponseWriter, r *http.Request) {
	st, err := h.game.Reset(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Message: "game reset", GameState: st})
}

// NextPhase handles POST /api/game/next-phase
func (h *Handler) NextPhase(w http.ResponseWriter, r *http.Request) {
	st, err := h.game.Advance(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Message: "moved to the next phase", GameState: st})
}

// NextRound handles POST /api/game/next-round
func (h *Handler) NextRound(w http.ResponseWriter, r *http.Request) {
	st, err := h.game.AdvanceRound(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Message: "moved to the next round", GameState: st})
}

// --- Quiz ---

// GetQuestion handles GET /api/quiz/{round}
func (h *Handler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	round, ok := h.pathInt(w, r, "round")
	if !ok {
		return
	}
	q, err := h.quiz.GetQuestion(r.Context(), int(round))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SubmitAnswer handles POST /api/quiz/submit. force may also be given as a
// query parameter.
func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SelectedAnswer == nil {
		h.writeError(w, apperr.Validation("selectedAnswer is required"))
		return
	}
	force := req.Force || r.URL.Query().Get("force") == "true"

	res, err := h.quiz.Submit(r.Context(), quiz.Submission{
		TeamID:         req.TeamID,
		QuestionID:     req.QuestionID,
		SelectedAnswer: *req.SelectedAnswer,
		Force:          force,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	msg := "incorrect answer"
	if res.Correct {
		msg = "correct answer"
	}
	writeJSON(w, http.StatusOK, submitResponse{Result: res, Message: msg, GameState: h.game.State()})
}

// QuizResults handles GET /api/quiz/results/{round}
func (h *Handler) QuizResults(w http.ResponseWriter, r *http.Request) {
	round, ok := h.pathInt(w, r, "round")
	if !ok {
		return
	}
	res, err := h.quiz.Results(r.Context(), int(round))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClearAllSubmissions handles DELETE /api/quiz/admin/clear-all
func (h *Handler) ClearAllSubmissions(w http.ResponseWriter, r *http.Request) {
	n, err := h.quiz.ClearAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "quiz submissions cleared", "deletedCount": n})
}

// ClearTeamSubmissions handles DELETE /api/quiz/admin/teams/{teamID}/quiz/{round}
func (h *Handler) ClearTeamSubmissions(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathInt(w, r, "teamID")
	if !ok {
		return
	}
	round, ok := h.pathInt(w, r, "round")
	if !ok {
		return
	}
	n, err := h.quiz.ClearForTeamRound(r.Context(), teamID, int(round))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "team quiz submissions cleared",
		"teamId":       teamID,
		"roundNumber":  round,
		"deletedCount": n,
	})
}

// --- Reporting ---

// Ranking handles GET /api/ranking
func (h *Handler) Ranking(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reports.Ranking(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Portfolio handles GET /api/portfolio/{teamID}
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathInt(w, r, "teamID")
	if !ok {
		return
	}
	p, err := h.reports.Portfolio(r.Context(), teamID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- News events ---

// ListEvents handles GET /api/events?round=N
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	round := 0
	if v := r.URL.Query().Get("round"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, apperr.Validation("invalid round %q", v))
			return
		}
		round = n
	}
	events, err := h.news.List(r.Context(), round)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// EventAction handles POST /api/events/trigger
func (h *Handler) EventAction(w http.ResponseWriter, r *http.Request) {
	var req EventActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.EventID <= 0 {
		h.writeError(w, apperr.Validation("eventId is required"))
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "trigger":
		changes, err := h.news.Trigger(ctx, req.EventID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "news event applied", "priceChanges": nonNil(changes)})
	case "activate":
		if err := h.news.Activate(ctx, req.EventID); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "news event activated"})
	case "deactivate":
		if err := h.news.Deactivate(ctx, req.EventID); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "news event deactivated"})
	default:
		h.writeError(w, apperr.Validation("unknown action %q", req.Action))
	}
}

// ApplyEvents handles POST /api/events/apply/{round}. Re-applying a round
// compounds its shocks again.
func (h *Handler) ApplyEvents(w http.ResponseWriter, r *http.Request) {
	round, ok := h.pathInt(w, r, "round")
	if !ok {
		return
	}
	changes, err := h.news.Apply(r.Context(), int(round))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "round events applied", "priceChanges": nonNil(changes)})
}

func nonNil(changes []news.PriceChange) []news.PriceChange {
	if changes == nil {
		return []news.PriceChange{}
	}
	return changes
}

// --- Helpers ---

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

func (h *Handler) pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		h.writeError(w, apperr.Validation("invalid %s %q", name, raw))
		return 0, false
	}
	return n, true
}

// writeError maps err onto its status and attaches the current game state so
// clients can resynchronize.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: string(kind), Message: err.Error()}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Hint = appErr.Hint
	}
	if kind == apperr.KindInternal {
		h.logger.Error("request failed", "err", err)
		body.Message = "internal error"
	}
	if h.game != nil {
		st := h.game.State()
		body.GameState = &st
	}
	writeJSON(w, apperr.HTTPStatus(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
