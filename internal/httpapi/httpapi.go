package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/state"
)

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-ID"

// Client is the part of the SimpliSafe client the API serves.
type Client interface {
	IsLoggedIn() bool
	IsSocketConnected() bool
	LockoutActive() bool
	GetAlarmState(ctx context.Context, forceRefresh bool) (model.AlarmState, error)
	SetAlarmState(ctx context.Context, state string) (json.RawMessage, error)
	GetSensors(ctx context.Context, forceUpdate, forceRefresh bool) ([]model.Sensor, error)
	GetLocks(ctx context.Context, forceRefresh bool) ([]model.Lock, error)
	SetLockState(ctx context.Context, lockID, state string) (json.RawMessage, error)
	GetCameras(ctx context.Context, forceRefresh bool) ([]model.Camera, error)
	GetEvents(ctx context.Context, params url.Values) ([]model.Event, error)
}

// Refresher re-reads state after a command was accepted.
type Refresher interface {
	RefreshAlarm()
	RefreshLocks()
}

// Server is the HTTP API server.
type Server struct {
	client  Client
	store   state.StateReader
	refresh Refresher
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server. refresh may be nil.
func NewServer(client Client, store state.StateReader, refresh Refresher, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		client:  client,
		store:   store,
		refresh: refresh,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.corsAll {
		mux := s.mux
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}
	return s.withRequestLog(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/alarm", s.handleGetAlarm)
	s.mux.HandleFunc("POST /api/alarm", s.handleSetAlarm)
	s.mux.HandleFunc("GET /api/sensors", s.handleGetSensors)
	s.mux.HandleFunc("GET /api/locks", s.handleGetLocks)
	s.mux.HandleFunc("POST /api/locks/{id}", s.handleSetLock)
	s.mux.HandleFunc("GET /api/cameras", s.handleGetCameras)
	s.mux.HandleFunc("GET /api/events", s.handleGetEvents)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestLog tags every request with an id and logs it once served.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Debug("HTTP request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency", time.Since(start).String(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeClientError maps client errors to HTTP status codes.
func (s *Server) writeClientError(w http.ResponseWriter, err error) {
	var rl *apierror.RateLimitError
	if errors.As(err, &rl) && !rl.RetryAt.IsZero() {
		secs := int(time.Until(rl.RetryAt).Round(time.Second).Seconds())
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", "status", code, "error", err)
	}
	s.writeError(w, code, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, apierror.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apierror.ErrNotAuthenticated), errors.Is(err, apierror.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, apierror.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, apierror.ErrNoSubscription), errors.Is(err, apierror.ErrAmbiguousSubscription):
		return http.StatusConflict
	case errors.Is(err, apierror.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var pe *apierror.ProviderError
	if errors.As(err, &pe) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func wantsRefresh(r *http.Request) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return b
}

// --- Handlers ---

type statusResponse struct {
	LoggedIn        bool               `json:"logged_in"`
	SocketConnected bool               `json:"socket_connected"`
	LockoutActive   bool               `json:"lockout_active"`
	Alarm           state.AlarmInfo    `json:"alarm"`
	Stream          state.StreamStatus `json:"stream"`
	Sensors         int                `json:"sensors"`
	Locks           int                `json:"locks"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	s.writeJSON(w, statusResponse{
		LoggedIn:        s.client.IsLoggedIn(),
		SocketConnected: s.client.IsSocketConnected(),
		LockoutActive:   s.client.LockoutActive(),
		Alarm:           snap.Alarm,
		Stream:          snap.Stream,
		Sensors:         len(snap.Sensors),
		Locks:           len(snap.Locks),
	})
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	st, err := s.client.GetAlarmState(r.Context(), wantsRefresh(r))
	if err != nil {
		s.writeClientError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"state": string(st)})
}

type alarmBody struct {
	State string `json:"state"`
}

func (s *Server) handleSetAlarm(w http.ResponseWriter, r *http.Request) {
	var body alarmBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	ack, err := s.client.SetAlarmState(r.Context(), body.State)
	if err != nil {
		s.writeClientError(w, err)
		return
	}
	if s.refresh != nil {
		s.refresh.RefreshAlarm()
	}
	s.writeJSON(w, map[string]any{"status": "ok", "response": ack})
}

func (s *Server) handleGetSensors(w http.ResponseWriter, r *http.Request) {
	if wantsRefresh(r) {
		sensors, err := s.client.GetSensors(r.Context(), true, true)
		if err != nil {
			s.writeClientError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"sensors": sensors})
		return
	}

	snap := s.store.Snapshot()
	sensors := make([]state.SensorInfo, 0, len(snap.Sensors))
	for _, v := range snap.Sensors {
		sensors = append(sensors, v)
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].Serial < sensors[j].Serial })
	s.writeJSON(w, map[string]any{"sensors": sensors})
}

func (s *Server) handleGetLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.client.GetLocks(r.Context(), wantsRefresh(r))
	if err != nil {
		s.writeClientError(w, err)
		return
	}
	if locks == nil {
		locks = []model.Lock{}
	}
	s.writeJSON(w, map[string]any{"locks": locks})
}

type lockBody struct {
	State string `json:"state"`
}

func (s *Server) handleSetLock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body lockBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	ack, err := s.client.SetLockState(r.Context(), id, body.State)
	if err != nil {
		s.writeClientError(w, err)
		return
	}
	if s.refresh != nil {
		s.refresh.RefreshLocks()
	}
	s.writeJSON(w, map[string]any{"status": "ok", "response": ack})
}

func (s *Server) handleGetCameras(w http.ResponseWriter, r *http.Request) {
	cameras, err := s.client.GetCameras(r.Context(), wantsRefresh(r))
	if err != nil {
		s.writeClientError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"cameras": cameras})
}

// handleGetEvents passes numEvents, fromEventId and similar query
// parameters through to the provider.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	params := url.Values{}
	for k, v := range r.URL.Query() {
		if k == "refresh" {
			continue
		}
		params[k] = v
	}
	evts, err := s.client.GetEvents(r.Context(), params)
	if err != nil {
		s.writeClientError(w, err)
		return
	}
	if evts == nil {
		evts = []model.Event{}
	}
	s.writeJSON(w, map[string]any{"events": evts})
}
