// Package api serves the bet views and actions over HTTP.
package api

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

	"github.com/phenomenon0/surebet/pkg/dispatch"
	"github.com/phenomenon0/surebet/pkg/eth"
	"github.com/phenomenon0/surebet/pkg/payout"
	"github.com/phenomenon0/surebet/pkg/session"
	"github.com/phenomenon0/surebet/pkg/snapshot"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ActionLog lists recorded actions. *journal.Journal implements it.
type ActionLog interface {
	Recent(ctx context.Context, limit int) ([]dispatch.Action, error)
}

// Config wires a Server.
type Config struct {
	Views      *snapshot.Set
	Dispatcher *dispatch.Dispatcher
	Session    *session.Session

	// Optional
	Actions        ActionLog
	Winnings       surebet.WinningsReader
	Registry       *prometheus.Registry
	Stream         http.Handler
	PaperStats     func() interface{}
	FeeBasisPoints uint64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Server is the daemon's HTTP surface.
type Server struct {
	views          *snapshot.Set
	dispatcher     *dispatch.Dispatcher
	session        *session.Session
	actions        ActionLog
	winnings       surebet.WinningsReader
	registry       *prometheus.Registry
	stream         http.Handler
	paperStats     func() interface{}
	feeBasisPoints uint64
	now            func() time.Time
	logger         *zap.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	s := &Server{
		views:          cfg.Views,
		dispatcher:     cfg.Dispatcher,
		session:        cfg.Session,
		actions:        cfg.Actions,
		winnings:       cfg.Winnings,
		registry:       cfg.Registry,
		stream:         cfg.Stream,
		paperStats:     cfg.PaperStats,
		feeBasisPoints: cfg.FeeBasisPoints,
		now:            cfg.Clock,
		logger:         cfg.Logger,
	}
	if s.feeBasisPoints == 0 {
		s.feeBasisPoints = payout.DefaultFeeBasisPoints
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Views
	mux.HandleFunc("GET /bets/open", s.handleView(snapshot.FilterOpen))
	mux.HandleFunc("GET /bets/created", s.handleView(snapshot.FilterCreated))
	mux.HandleFunc("GET /bets/wagered", s.handleView(snapshot.FilterWagered))
	mux.HandleFunc("POST /refresh", s.handleRefresh)

	// Actions
	mux.HandleFunc("POST /bets", s.signing(s.handleCreate))
	mux.HandleFunc("POST /bets/{id}/wager", s.signing(s.handleWager))
	mux.HandleFunc("POST /bets/{id}/resolve", s.signing(s.handleResolve))
	mux.HandleFunc("POST /bets/{id}/claim", s.signing(s.handleClaim))
	mux.HandleFunc("GET /dispatcher", s.handleDispatcher)
	mux.HandleFunc("DELETE /dispatcher/error", s.handleDismiss)
	mux.HandleFunc("GET /actions", s.handleActions)

	// Session
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("PUT /session", s.handleRebind)

	if s.paperStats != nil {
		mux.HandleFunc("GET /paper/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.paperStats())
		})
	}
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.stream != nil {
		mux.Handle("GET /ws", s.stream)
	}

	return mux
}

// signing refuses action requests unless the session holds a signing key.
func (s *Server) signing(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.session != nil {
			if _, err := s.session.Signer(); err != nil {
				writeError(w, err)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleView(filter snapshot.Filter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := s.views.Get(filter)

		tab := r.URL.Query().Get("tab")
		if tab != "" && (filter != snapshot.FilterWagered || (tab != "active" && tab != "resolved")) {
			writeError(w, surebet.Invalid("tab", "unknown tab %q", tab))
			return
		}

		snap := view.Current()
		if snap.Generation == 0 || r.URL.Query().Get("refresh") == "true" {
			if fresh, err := view.Refresh(r.Context()); errors.Is(err, snapshot.ErrSuperseded) {
				snap = view.Current()
			} else {
				snap = fresh
			}
		}

		bets := snap.Bets
		var counts map[string]int
		if filter == snapshot.FilterWagered {
			active, resolved := snap.Partition()
			counts = map[string]int{"active": len(active), "resolved": len(resolved)}
			switch tab {
			case "active":
				bets = active
			case "resolved":
				bets = resolved
			}
		}

		out := s.render(r.Context(), snap, bets)
		out.Tab = tab
		out.Counts = counts

		status := http.StatusOK
		if snap.State == snapshot.StateError {
			status = http.StatusServiceUnavailable
			if isViewerMissing(filter, snap) {
				status = http.StatusBadRequest
			}
		}
		writeJSON(w, status, out)
	}
}

func isViewerMissing(filter snapshot.Filter, snap snapshot.Snapshot) bool {
	return filter.NeedsViewer() && snap.Viewer == nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.views.RefreshAll(r.Context())
	if err != nil {
		s.logger.Info("refresh completed with errors", zap.Error(err))
	}

	states := make(map[string]interface{}, 3)
	for _, v := range s.views.All() {
		snap := v.Current()
		states[string(v.Filter())] = map[string]interface{}{
			"state":      snap.State,
			"generation": snap.Generation,
			"bets":       len(snap.Bets),
			"error":      snap.Error,
		}
	}
	writeJSON(w, http.StatusOK, states)
}

type createBody struct {
	Description string `json:"description"`
	Duration    *int64 `json:"duration"`
	Unit        string `json:"unit"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	req := dispatch.CreateBetRequest{Description: body.Description, Unit: body.Unit}
	if body.Duration == nil {
		req.Duration = dispatch.DefaultDurationAmount
		if req.Unit == "" {
			req.Unit = dispatch.DefaultDurationUnit
		}
	} else {
		req.Duration = *body.Duration
	}

	action, err := s.dispatcher.CreateBet(r.Context(), req)
	s.writeAction(w, action, err)
}

type wagerBody struct {
	Option json.RawMessage `json:"option"`
	Amount string          `json:"amount"`
}

func (s *Server) handleWager(w http.ResponseWriter, r *http.Request) {
	id, err := betID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body wagerBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	option, err := parseOption(body.Option)
	if err != nil {
		writeError(w, err)
		return
	}

	action, err := s.dispatcher.PlaceBet(r.Context(), dispatch.PlaceBetRequest{BetID: id, Option: option, Amount: body.Amount})
	s.writeAction(w, action, err)
}

type resolveBody struct {
	Option json.RawMessage `json:"option"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := betID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body resolveBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	option, err := parseOption(body.Option)
	if err != nil {
		writeError(w, err)
		return
	}

	action, err := s.dispatcher.ResolveBet(r.Context(), dispatch.ResolveBetRequest{BetID: id, Option: option})
	s.writeAction(w, action, err)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := betID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	action, err := s.dispatcher.ClaimWinnings(r.Context(), dispatch.ClaimRequest{BetID: id})
	s.writeAction(w, action, err)
}

func (s *Server) handleDispatcher(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		writeJSON(w, http.StatusOK, []dispatch.Action{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, surebet.Invalid("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}

	actions, err := s.actions.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing actions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "journal unavailable"})
		return
	}
	if actions == nil {
		actions = []dispatch.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Info())
}

type rebindBody struct {
	Account string `json:"account"`
}

func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	var body rebindBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	var info session.Info
	if body.Account == "" {
		info = s.session.Unbind()
	} else {
		addr, err := eth.ParseAddress(body.Account)
		if err != nil {
			writeError(w, surebet.Invalid("account", "%v", err))
			return
		}
		info, err = s.session.Rebind(addr)
		if err != nil {
			writeError(w, surebet.Invalid("account", "%v", err))
			return
		}
	}

	if err := s.views.RefreshAll(r.Context()); err != nil {
		s.logger.Info("refresh after rebind completed with errors", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) writeAction(w http.ResponseWriter, action *dispatch.Action, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, action)
		return
	}
	status, msg := classify(err)
	writeJSON(w, status, errorBody{Error: msg, Action: action})
}

func betID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, surebet.Invalid("id", "invalid bet id %q", r.PathValue("id"))
	}
	return id, nil
}

// parseOption accepts 1, 2, "1", "2", "yes" or "no". Missing means unset,
// which validation rejects.
func parseOption(raw json.RawMessage) (surebet.Option, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return surebet.OptionUnset, nil
	}
	var n uint8
	if err := json.Unmarshal(raw, &n); err == nil {
		return surebet.Option(n), nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return surebet.OptionUnset, surebet.Invalid("option", "must be 1, 2, yes or no")
	}
	o, err := surebet.ParseOption(strings.TrimSpace(str))
	if err != nil {
		return surebet.OptionUnset, surebet.Invalid("option", "%v", err)
	}
	return o, nil
}

// decode reads a JSON body into dst. An empty body leaves dst unchanged.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return surebet.Invalid("body", "%v", err)
	}
	return nil
}

type errorBody struct {
	Error  string           `json:"error"`
	Action *dispatch.Action `json:"action,omitempty"`
}

// classify maps the error taxonomy onto HTTP statuses.
func classify(err error) (int, string) {
	var (
		ve *surebet.ValidationError
		re *surebet.RevertError
		se *surebet.SubmissionError
		ce *surebet.CountReadError
		rd *surebet.ReadError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, dispatch.ErrActionPending):
		return http.StatusConflict, err.Error()
	case errors.Is(err, session.ErrReadOnly):
		return http.StatusForbidden, err.Error()
	case errors.As(err, &re):
		return http.StatusConflict, err.Error()
	case errors.As(err, &se):
		return http.StatusBadGateway, err.Error()
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable, err.Error()
	case errors.As(err, &rd):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := classify(err)
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
