// Package server exposes event ingestion, render triggers and history reads
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/history"
	"github.com/eunmann/s3-size-history/pkg/orchestrator"
	"github.com/eunmann/s3-size-history/pkg/tracker"
)

// EventHandler applies decoded events; *tracker.Tracker implements it.
type EventHandler interface {
	HandleBatch(ctx context.Context, events []tracker.Event) (tracker.BatchReport, error)
}

// HistoryReader serves read queries; *history.Engine implements it.
type HistoryReader interface {
	GetSeries(ctx context.Context, bucket string, from, to int64) ([]history.Point, error)
	GetCurrent(ctx context.Context, bucket string) (history.Point, error)
	GetPeak(ctx context.Context, bucket string) (history.Point, error)
	SnapshotAt(ctx context.Context, bucket string, asOf int64) (history.Snapshot, error)
	Buckets(ctx context.Context) ([]string, error)
}

// Triggerer runs render jobs; *orchestrator.Orchestrator implements it.
type Triggerer interface {
	Trigger(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Decoder turns a request body into tracker events.
type Decoder func(data []byte) ([]tracker.Event, error)

// Config tunes the HTTP surface.
type Config struct {
	Addr            string
	TriggerRate     float64
	TriggerBurst    int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Server wires the handlers to a gorilla/mux router.
type Server struct {
	events  EventHandler
	decode  Decoder
	history HistoryReader
	trigger Triggerer
	limiter *rate.Limiter
	cfg     Config
	router  *mux.Router
	now     func() time.Time
}

// New builds a Server. Nil collaborators disable their routes.
func New(events EventHandler, decode Decoder, hist HistoryReader, trig Triggerer, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.TriggerBurst < 1 {
		cfg.TriggerBurst = 1
	}
	limit := rate.Inf
	if cfg.TriggerRate > 0 {
		limit = rate.Limit(cfg.TriggerRate)
	}

	s := &Server{
		events:  events,
		decode:  decode,
		history: hist,
		trigger: trig,
		limiter: rate.NewLimiter(limit, cfg.TriggerBurst),
		cfg:     cfg,
		router:  mux.NewRouter(),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.withRequestLogger)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.events != nil && s.decode != nil {
		r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	}
	if s.trigger != nil {
		r.HandleFunc("/trigger", s.handleTrigger).Methods(http.MethodPost)
	}
	if s.history != nil {
		r.HandleFunc("/buckets", s.handleBuckets).Methods(http.MethodGet)
		b := r.PathPrefix("/buckets/{bucket}").Subrouter()
		b.HandleFunc("/series", s.handleSeries).Methods(http.MethodGet)
		b.HandleFunc("/current", s.handleCurrent).Methods(http.MethodGet)
		b.HandleFunc("/peak", s.handlePeak).Methods(http.MethodGet)
		b.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := logctx.FromContext(ctx)
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := logctx.WithStr(r.Context(), "request_id", reqID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		lg := logctx.FromContext(ctx)
		lg.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", s.now().Sub(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

type eventsResponse struct {
	Received  int      `json:"received"`
	Applied   int      `json:"applied"`
	Malformed []string `json:"malformed,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := s.readBody(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	events, err := s.decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "malformed_event"})
		return
	}

	report, err := s.events.HandleBatch(ctx, events)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tracker.ErrLedgerUnavailable) {
			status = http.StatusServiceUnavailable
		}
		lg := logctx.FromContext(ctx)
		lg.Error().Err(err).Int("events", len(events)).Msg("event batch failed")
		writeError(w, status, errorBody{Error: err.Error(), Kind: "ledger"})
		return
	}

	resp := eventsResponse{Received: len(events), Applied: report.Applied}
	for _, m := range report.Malformed {
		resp.Malformed = append(resp.Malformed, m.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	BucketID      string `json:"bucketId"`
	WindowSeconds int64  `json:"windowSeconds"`
	From          *int64 `json:"from"`
	To            *int64 `json:"to"`
}

type triggerResponse struct {
	ArtifactRef string `json:"artifactRef"`
	JobID       string `json:"jobId"`
	Points      int    `json:"points"`
	From        int64  `json:"from"`
	To          int64  `json:"to"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, errorBody{Error: "too many render requests", Kind: "rate_limited"})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	var req triggerRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, errorBody{
				Error: "decode trigger request: " + err.Error(),
				Stage: string(orchestrator.StageRequest),
				Kind:  string(orchestrator.KindInvalidRequest),
			})
			return
		}
	}
	if q := r.URL.Query().Get("bucket"); q != "" && req.BucketID == "" {
		req.BucketID = q
	}

	res, err := s.trigger.Trigger(r.Context(), orchestrator.Request{
		BucketID: req.BucketID,
		Window:   time.Duration(req.WindowSeconds) * time.Second,
		From:     req.From,
		To:       req.To,
	})
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{
		ArtifactRef: res.ArtifactRef,
		JobID:       res.JobID,
		Points:      len(res.Job.Series),
		From:        res.Job.From,
		To:          res.Job.To,
	})
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.history.Buckets(r.Context())
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	if buckets == nil {
		buckets = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"buckets": buckets})
}

type seriesResponse struct {
	BucketID string          `json:"bucketId"`
	From     int64           `json:"from"`
	To       int64           `json:"to"`
	Points   []history.Point `json:"points"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	to, err := queryMillis(r, "to", s.now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(orchestrator.KindInvalidRequest)})
		return
	}
	from, err := queryMillis(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(orchestrator.KindInvalidRequest)})
		return
	}

	points, err := s.history.GetSeries(r.Context(), bucket, from, to)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse{BucketID: bucket, From: from, To: to, Points: points})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	s.servePoint(w, r, s.history.GetCurrent)
}

func (s *Server) handlePeak(w http.ResponseWriter, r *http.Request) {
	s.servePoint(w, r, s.history.GetPeak)
}

func (s *Server) servePoint(w http.ResponseWriter, r *http.Request, get func(context.Context, string) (history.Point, error)) {
	bucket := mux.Vars(r)["bucket"]
	p, err := get(r.Context(), bucket)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		BucketID string `json:"bucketId"`
		history.Point
	}{bucket, p})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	asOf, err := queryMillis(r, "at", s.now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(orchestrator.KindInvalidRequest)})
		return
	}
	snap, err := s.history.SnapshotAt(r.Context(), bucket, asOf)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// queryMillis reads an epoch-ms query parameter, falling back to def.
func queryMillis(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %q is not epoch milliseconds", name, v)
	}
	return ms, nil
}
