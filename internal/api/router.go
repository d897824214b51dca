// Package api is the HTTP delivery layer: chi routes, JSON encoding, error
// mapping and the WebSocket hub.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/trading-game/internal/game"
	"github.com/atmx/trading-game/internal/metrics"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/news"
	"github.com/atmx/trading-game/internal/quiz"
	"github.com/atmx/trading-game/internal/report"
	"github.com/atmx/trading-game/internal/trade"
)

// Game is the scheduler surface the API drives.
type Game interface {
	State() model.GameState
	TradeStatus() game.TradeStatus
	Start(ctx context.Context) (model.GameState, error)
	Reset(ctx context.Context) (model.GameState, error)
	Advance(ctx context.Context) (model.GameState, error)
	AdvanceRound(ctx context.Context) (model.GameState, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Game    Game
	Trades  *trade.Service
	Quiz    *quiz.Service
	News    *news.Applier
	Reports *report.Service
	// Hub is optional; without it /api/ws is not mounted.
	Hub *WSHub
	// Limiter throttles trade and quiz submissions; nil disables it.
	Limiter *RateLimiter
	Logger  *slog.Logger

	RequestTimeout time.Duration
	AllowedOrigin  string
}

// Handler serves the game API.
type Handler struct {
	game    Game
	trades  *trade.Service
	quiz    *quiz.Service
	news    *news.Applier
	reports *report.Service
	logger  *slog.Logger
}

// NewRouter builds the full HTTP handler: middleware, health, metrics and
// the /api routes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = 30 * time.Second
	}
	if d.AllowedOrigin == "" {
		d.AllowedOrigin = "*"
	}
	h := &Handler{
		game:    d.Game,
		trades:  d.Trades,
		quiz:    d.Quiz,
		news:    d.News,
		reports: d.Reports,
		logger:  d.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(d.AllowedOrigin))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "trading-game"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// The WebSocket route is mounted outside the timeout middleware.
		if d.Hub != nil {
			r.Get("/ws", d.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(d.RequestTimeout))

			r.Post("/auth/login", h.Login)

			r.Get("/stocks", h.ListStocks)
			r.Get("/stocks/{stockID}/history", h.StockHistory)

			r.With(h.limit(d.Limiter)).Post("/trade", h.ExecuteTrade)

			r.Route("/game", func(r chi.Router) {
				r.Get("/state", h.GameState)
				r.Post("/start", h.StartGame)
				r.Post("/reset", h.ResetGame)
				r.Post("/next-phase", h.NextPhase)
				r.Post("/next-round", h.NextRound)
				r.Get("/trade/status", h.TradeStatus)
				r.Get("/trade/history/{round}", h.RoundTrades)
				r.Get("/quiz/results/{round}", h.QuizResults)
			})

			r.Route("/quiz", func(r chi.Router) {
				r.Get("/{round}", h.GetQuestion)
				r.With(h.limit(d.Limiter)).Post("/submit", h.SubmitAnswer)
				r.Get("/results/{round}", h.QuizResults)
				r.Delete("/admin/clear-all", h.ClearAllSubmissions)
				r.Delete("/admin/teams/{teamID}/quiz/{round}", h.ClearTeamSubmissions)
			})

			r.Get("/ranking", h.Ranking)
			r.Get("/portfolio/{teamID}", h.Portfolio)

			r.Route("/events", func(r chi.Router) {
				r.Get("/", h.ListEvents)
				r.Post("/trigger", h.EventAction)
				r.Post("/apply/{round}", h.ApplyEvents)
			})
		})
	})

	return r
}

// cors allows the frontend origin to call the API.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
