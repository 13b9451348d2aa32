// Package api serves the REST surface over the canonical store: recent
// bars, series metadata, cursor paging, the catch-up delta, gap status,
// and the admin backfill/scan controls. All responses are JSON and every
// error shares one envelope carrying the request id that also appears in
// the handler log line.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"

	"ohlcv-systemv1/internal/logger"
	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/scanner"
)

// Config bounds the read surface and gates the admin endpoints.
type Config struct {
	// LimitMax caps the limit query parameter on every list endpoint.
	LimitMax int
	// DefaultLimit applies when the client sends no limit.
	DefaultLimit int
	// BackfillHorizon is how far back POST /ohlcv/backfill/year reaches.
	BackfillHorizon time.Duration
	// TOTPSecret guards the admin endpoints. Empty disables the gate,
	// which is only acceptable behind a trusted proxy.
	TOTPSecret string
}

func (c *Config) fill() {
	if c.LimitMax <= 0 {
		c.LimitMax = 1000
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 200
	}
	if c.DefaultLimit > c.LimitMax {
		c.DefaultLimit = c.LimitMax
	}
	if c.BackfillHorizon <= 0 {
		c.BackfillHorizon = 365 * 24 * time.Hour
	}
}

// Deps are the collaborators the handlers call. Store, Gaps, Runs and
// Prom are required. The function hooks are optional; endpoints that
// need a missing hook answer 503.
type Deps struct {
	Store model.CandleStore
	Gaps  model.GapRepo
	Runs  model.RunStore

	// Partial returns the in-progress bar for the series, nil when none
	// is buffered.
	Partial func(symbol, interval string) *model.Candle
	// Tail serves the newest finalized bars from the hot cache. A miss,
	// an error or a short read falls through to the store.
	Tail func(ctx context.Context, symbol, interval string, n int) ([]model.Candle, error)
	// Launch hands a freshly created run to the backfill orchestrator.
	Launch func(model.BackfillRun)
	// Sweep triggers one continuity scan and returns its report.
	Sweep func(ctx context.Context) (scanner.Report, error)

	Prom *metrics.Metrics
}

// Server carries the handler state. Register the routes on a mux with
// RegisterRoutes and serve that mux.
type Server struct {
	cfg  Config
	deps Deps

	now func() time.Time // test hook
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("api: nil candle store")
	}
	if deps.Gaps == nil {
		return nil, errors.New("api: nil gap repo")
	}
	if deps.Runs == nil {
		return nil, errors.New("api: nil run store")
	}
	if deps.Prom == nil {
		return nil, errors.New("api: nil metrics")
	}
	cfg.fill()
	return &Server{cfg: cfg, deps: deps, now: time.Now}, nil
}

// RegisterRoutes attaches all REST endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ohlcv/recent", s.wrap(http.MethodGet, s.handleRecent))
	mux.HandleFunc("/ohlcv/meta", s.wrap(http.MethodGet, s.handleMeta))
	mux.HandleFunc("/ohlcv/history", s.wrap(http.MethodGet, s.handleHistory))
	mux.HandleFunc("/ohlcv/delta", s.wrap(http.MethodGet, s.handleDelta))
	mux.HandleFunc("/ohlcv/gaps/status", s.wrap(http.MethodGet, s.handleGapsStatus))
	mux.HandleFunc("/ohlcv/backfill/year", s.wrap(http.MethodPost, s.handleBackfillStart))
	mux.HandleFunc("/ohlcv/backfill/year/status", s.wrap(http.MethodGet, s.handleBackfillStatus))
	mux.HandleFunc("/ohlcv/scan", s.wrap(http.MethodPost, s.handleScan))
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, reqID string)

// wrap applies CORS, answers preflight, assigns the request id and
// enforces the method before dispatching.
func (s *Server) wrap(method string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = logger.NewRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		if r.Method != method {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", reqID)
			return
		}
		h(w, r.WithContext(logger.WithRequestID(r.Context(), reqID)), reqID)
	}
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-OTP, X-Request-ID")
}

// requireAdmin verifies the one-time code on admin endpoints. An empty
// secret disables the check.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, reqID string) bool {
	if s.cfg.TOTPSecret == "" {
		return true
	}
	if totp.Validate(r.Header.Get("X-Admin-OTP"), s.cfg.TOTPSecret) {
		return true
	}
	s.writeError(w, http.StatusUnauthorized, "invalid admin code", reqID)
	return false
}

type errorBody struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg, reqID string) {
	if code >= http.StatusInternalServerError {
		log.Printf("[api] %d %s (%s)", code, msg, reqID)
	}
	writeJSON(w, code, errorBody{Error: msg, Code: code, RequestID: reqID})
}

// storeError maps persistence failures onto the error envelope. Outage
// sentinels become 503 so clients back off instead of retrying hot.
func (s *Server) storeError(w http.ResponseWriter, err error, reqID string) {
	switch {
	case errors.Is(err, model.ErrStoreUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable", reqID)
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found", reqID)
	default:
		log.Printf("[api] store error: %v (%s)", err, reqID)
		s.writeError(w, http.StatusInternalServerError, "internal error", reqID)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// seriesParams reads and validates the symbol and interval query pair.
// Unknown intervals are 404: the series cannot exist. Symbols are not
// checked against a registry; an unknown symbol yields empty results.
func (s *Server) seriesParams(w http.ResponseWriter, r *http.Request, reqID string) (symbol, interval string, step int64, ok bool) {
	q := r.URL.Query()
	symbol, interval = q.Get("symbol"), q.Get("interval")
	if symbol == "" || interval == "" {
		s.writeError(w, http.StatusBadRequest, "symbol and interval are required", reqID)
		return "", "", 0, false
	}
	step, err := model.IntervalMS(interval)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown interval %q", interval), reqID)
		return "", "", 0, false
	}
	return symbol, interval, step, true
}

// limitParam reads the limit parameter, applying the default and the cap.
func (s *Server) limitParam(w http.ResponseWriter, r *http.Request, reqID string) (int, bool) {
	limit := s.cfg.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer", reqID)
			return 0, false
		}
		limit = n
	}
	if limit > s.cfg.LimitMax {
		limit = s.cfg.LimitMax
	}
	return limit, true
}

// optInt64 reads an optional integer query parameter. The middle return
// reports presence, the last reports validity.
func (s *Server) optInt64(w http.ResponseWriter, r *http.Request, name, reqID string) (int64, bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		s.writeError(w, http.StatusBadRequest, name+" must be a non-negative integer", reqID)
		return 0, false, false
	}
	return n, true, true
}
