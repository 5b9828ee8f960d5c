package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rostersync/internal/auth"
	"rostersync/internal/config"
	"rostersync/internal/ics"
	appLog "rostersync/internal/log"
	"rostersync/internal/model"
	"rostersync/internal/provider"
	"rostersync/internal/registry"
	"rostersync/internal/store"
)

// MalformedFeedMessage is shown instead of parser detail for unreadable feeds.
const MalformedFeedMessage = "could not read calendar feed"

const maxRequestBody = 64 << 10

// Syncer runs a sync for one user. *reconcile.Engine satisfies it.
type Syncer interface {
	SyncUser(ctx context.Context, sess *auth.Session) (model.SyncReport, error)
}

// Deps are the collaborators the HTTP API is built on.
type Deps struct {
	Config   *config.Config
	Registry *registry.Registry
	Syncer   Syncer
	Shifts   store.ShiftStore
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server provides the HTTP API for feeds, syncs and shift queries.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	syncer   Syncer
	shifts   store.ShiftStore
	now      func() time.Time
	loc      *time.Location
	mux      *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		registry: d.Registry,
		syncer:   d.Syncer,
		shifts:   d.Shifts,
		now:      d.Now,
		loc:      d.Config.Location(),
		mux:      http.NewServeMux(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	authCfg := auth.Config{Secret: s.cfg.Auth.JWTSecret, Issuer: s.cfg.Auth.Issuer}
	protect := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(authCfg, h)
	}

	// /health and /metrics are always served without authentication.
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("POST /api/feeds", protect(s.handleRegisterFeed))
	s.mux.Handle("GET /api/feeds", protect(s.handleListFeeds))
	s.mux.Handle("POST /api/sync", protect(s.handleSync))
	s.mux.Handle("POST /api/connect", protect(s.handleConnect))
	s.mux.Handle("GET /api/shifts", protect(s.handleShifts))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type registerRequest struct {
	URL string `json:"url"`
}

type feedDTO struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

func toFeedDTO(f model.FeedSubscription) feedDTO {
	return feedDTO{ID: f.ID, Provider: string(f.Provider), URL: f.FeedURL, CreatedAt: f.CreatedAt}
}

// handleRegisterFeed stores a new roster link.
//
// POST /api/feeds {"url": "https://my.deputy.com/..."}
func (s *Server) handleRegisterFeed(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.registry.Register(r.Context(), sess, req.URL)
	if err != nil {
		status, msg := registerErrorResponse(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, toFeedDTO(sub))
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.registry.ListFeeds(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		status, msg := storeErrorResponse(err)
		writeError(w, status, msg)
		return
	}
	out := make([]feedDTO, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, toFeedDTO(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

type eventFailureDTO struct {
	ExternalID string `json:"external_id"`
	Error      string `json:"error"`
}

type feedResultDTO struct {
	FeedID    string            `json:"feed_id"`
	Provider  string            `json:"provider"`
	URL       string            `json:"url"`
	Stage     string            `json:"stage"`
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Skipped   int               `json:"skipped"`
	Failures  []eventFailureDTO `json:"failures,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type syncResponse struct {
	TotalUpserted int             `json:"total_upserted"`
	Message       string          `json:"message"`
	Feeds         []feedResultDTO `json:"feeds"`
	Feed          *feedDTO        `json:"feed,omitempty"`
}

func toSyncResponse(report model.SyncReport) syncResponse {
	resp := syncResponse{
		TotalUpserted: report.TotalUpserted,
		Message:       fmt.Sprintf("%d shifts were successfully added", report.TotalUpserted),
		Feeds:         make([]feedResultDTO, 0, len(report.PerFeed)),
	}
	for _, f := range report.PerFeed {
		dto := feedResultDTO{
			FeedID:    f.FeedID,
			Provider:  string(f.Provider),
			URL:       f.FeedURL,
			Stage:     string(f.Stage),
			Attempted: f.Attempted,
			Succeeded: f.Succeeded,
			Skipped:   f.Skipped,
		}
		for _, ef := range f.Failures {
			dto.Failures = append(dto.Failures, eventFailureDTO{ExternalID: ef.ExternalID, Error: ef.Err.Error()})
		}
		if f.Err != nil {
			dto.Error = feedErrorMessage(f.Err)
		}
		resp.Feeds = append(resp.Feeds, dto)
	}
	return resp
}

// handleSync syncs every feed of the caller.
//
// POST /api/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.syncer.SyncUser(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		status, msg := syncErrorResponse(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResponse(report))
}

// handleConnect registers a link and immediately syncs, the one-step flow of
// the mobile client.
//
// POST /api/connect {"url": "..."}
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.registry.Register(r.Context(), sess, req.URL)
	if err != nil {
		status, msg := registerErrorResponse(err)
		writeError(w, status, msg)
		return
	}

	report, err := s.syncer.SyncUser(r.Context(), sess)
	if err != nil {
		status, msg := syncErrorResponse(err)
		writeError(w, status, msg)
		return
	}
	resp := toSyncResponse(report)
	dto := toFeedDTO(sub)
	resp.Feed = &dto
	writeJSON(w, http.StatusOK, resp)
}

type shiftsResponse struct {
	Shifts       []model.Shift `json:"shifts"`
	RangeStart   *time.Time    `json:"range_start,omitempty"`
	RangeEnd     *time.Time    `json:"range_end,omitempty"`
	TimeZone     string        `json:"timezone"`
	WeekStart    string        `json:"week_start"`
	TotalMinutes int           `json:"total_minutes"`
}

// handleShifts lists the caller's shifts.
//
// GET /api/shifts?range=today|day|week|month[&date=YYYY-MM-DD]
// GET /api/shifts?from=RFC3339&to=RFC3339
//
// Named ranges are computed in the configured timezone. Without any
// parameter all shifts are returned.
func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if err := auth.Require(sess); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	from, to, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	shifts, err := s.shifts.ListShifts(r.Context(), sess.UserID, from, to)
	if err != nil {
		status, msg := storeErrorResponse(err)
		writeError(w, status, msg)
		return
	}
	if shifts == nil {
		shifts = []model.Shift{}
	}

	resp := shiftsResponse{
		Shifts:    shifts,
		TimeZone:  s.loc.String(),
		WeekStart: s.cfg.WeekStart,
	}
	if !from.IsZero() {
		f := from.In(s.loc)
		resp.RangeStart = &f
	}
	if !to.IsZero() {
		t := to.In(s.loc)
		resp.RangeEnd = &t
	}
	for _, sh := range shifts {
		resp.TotalMinutes += int(sh.EndTime.Sub(sh.StartTime).Minutes())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()

	if q.Get("from") != "" || q.Get("to") != "" {
		var from, to time.Time
		var err error
		if v := q.Get("from"); v != "" {
			if from, err = time.Parse(time.RFC3339, v); err != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
			}
		}
		if v := q.Get("to"); v != "" {
			if to, err = time.Parse(time.RFC3339, v); err != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
			}
		}
		if !from.IsZero() && !to.IsZero() && to.Before(from) {
			return time.Time{}, time.Time{}, errors.New("to is before from")
		}
		return from, to, nil
	}

	anchor := s.now().In(s.loc)
	if v := q.Get("date"); v != "" {
		d, err := time.ParseInLocation(time.DateOnly, v, s.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date: %w", err)
		}
		anchor = d
	}

	switch q.Get("range") {
	case "":
		return time.Time{}, time.Time{}, nil
	case "today", "day":
		start := startOfDay(anchor)
		return start, start.AddDate(0, 0, 1), nil
	case "week":
		start := startOfWeek(anchor, s.cfg.WeekStartDay())
		return start, start.AddDate(0, 0, 7), nil
	case "month":
		start := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location())
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown range %q", q.Get("range"))
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time, first time.Weekday) time.Time {
	offset := (int(t.Weekday()) - int(first) + 7) % 7
	return startOfDay(t).AddDate(0, 0, -offset)
}

// registerErrorResponse maps Register failures to HTTP responses.
func registerErrorResponse(err error) (int, string) {
	var unsupported *provider.UnsupportedError
	switch {
	case errors.As(err, &unsupported):
		return http.StatusUnprocessableEntity, provider.UnsupportedMessage
	case errors.Is(err, provider.ErrInvalidURL):
		return http.StatusBadRequest, err.Error()
	}
	return storeErrorResponse(err)
}

func syncErrorResponse(err error) (int, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "sync interrupted"
	}
	return storeErrorResponse(err)
}

func storeErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, store.ErrUnavailable):
		appLog.Error("api: store unavailable", err)
		return http.StatusServiceUnavailable, store.ErrUnavailable.Error()
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	}
	appLog.Error("api: request failed", err)
	return http.StatusInternalServerError, err.Error()
}

// feedErrorMessage hides parser detail from clients; fetch errors already
// carry a redacted URL.
func feedErrorMessage(err error) string {
	var malformed *ics.MalformedFeedError
	if errors.As(err, &malformed) {
		return MalformedFeedMessage
	}
	return err.Error()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
