package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"lottery7/internal/engine"
	"lottery7/internal/model"
	"lottery7/internal/ws"
)

const historyTTL = 5 * time.Second

type Server struct {
	engine   *engine.Engine
	hub      *ws.Hub
	secret   []byte
	log      *zap.Logger
	validate *validator.Validate
	history  *cache.Cache
}

func NewServer(eng *engine.Engine, hub *ws.Hub, secret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:   eng,
		hub:      hub,
		secret:   []byte(secret),
		log:      log,
		validate: validator.New(),
		history:  cache.New(historyTTL, time.Minute),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]any{
			"status":  "ok",
			"engine":  s.engine.State().String(),
			"clients": s.hub.Clients(),
		})
	})

	// WebSocket, outside the timeout middleware
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.authMiddleware)

		r.Get("/api/rounds/current", s.currentRound)
		r.Get("/api/rounds", s.roundHistory)

		r.Post("/api/bets", s.placeBet)
		r.Get("/api/bets", s.listBets)

		r.Get("/api/wallet", s.getWallet)
	})

	return r
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxUserID ctxKey = "userID"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "unauthorized", "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "unauthorized", "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "unauthorized", "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		if userID == "" {
			jsonErr(w, 401, "unauthorized", "token has no subject")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

// ── Rounds ───────────────────────────────────────────

func (s *Server) currentRound(w http.ResponseWriter, r *http.Request) {
	json200(w, model.CurrentRoundView{
		Round:           s.engine.CurrentRound(),
		TimeRemainingMs: s.engine.TimeRemaining().Milliseconds(),
		BettingOpen:     s.engine.BettingOpen(),
	})
}

func (s *Server) roundHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	key := "rounds:" + strconv.Itoa(limit)
	if cached, ok := s.history.Get(key); ok {
		json200(w, cached)
		return
	}
	rounds, err := s.engine.RoundHistory(r.Context(), limit)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err))
		return
	}
	s.history.Set(key, rounds, cache.DefaultExpiration)
	json200(w, rounds)
}

// ── Bets ─────────────────────────────────────────────

// BetValue accepts either a JSON string or a JSON number.
type BetValue string

func (v *BetValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = BetValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("bet value must be a string or a number")
	}
	*v = BetValue(n.String())
	return nil
}

type placeBetReq struct {
	Category string   `json:"category" validate:"required"`
	Value    BetValue `json:"value" validate:"required"`
	Amount   int64    `json:"amount"`
}

type placeBetResp struct {
	Wager   *model.Wager `json:"wager"`
	Balance int64        `json:"balance"`
}

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req placeBetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid_request", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		jsonErr(w, 400, "invalid_request", err.Error())
		return
	}

	wager, balance, err := s.engine.PlaceBet(r.Context(), uid, model.Category(strings.ToLower(req.Category)), strings.ToLower(string(req.Value)), req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(placeBetResp{Wager: wager, Balance: balance})
}

func (s *Server) listBets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, _ := strconv.Atoi(q.Get("page"))
	wagers, err := s.engine.UserWagers(r.Context(), userID(r), limit, page)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err))
		return
	}
	if wagers == nil {
		wagers = []model.Wager{}
	}
	json200(w, wagers)
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	balance, err := s.engine.Balance(r.Context(), uid)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err))
		return
	}
	json200(w, model.Wallet{UserID: uid, Balance: balance})
}

// ── Helpers ──────────────────────────────────────────

var statusByCode = map[string]int{
	"no_active_round":      503,
	"betting_closed":       409,
	"invalid_amount":       400,
	"invalid_bet_value":    400,
	"insufficient_balance": 402,
	"store_unavailable":    503,
	"not_found":            404,
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = 500
	}
	msg := err.Error()
	if status >= 500 {
		s.log.Error("request failed", zap.String("code", code), zap.Error(err))
		if errors.Is(err, model.ErrStoreUnavailable) {
			msg = model.ErrStoreUnavailable.Error()
		}
	}
	jsonErr(w, status, code, msg)
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
