// Package api is the HTTP admin surface: subject upserts and deletes,
// pending inspection and on-demand reconciliation.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"remindbot/internal/reconciler"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Reconciler runs and reports reconciliations.
type Reconciler interface {
	RunNow(ctx context.Context) (reminder.Report, error)
	Last() reconciler.Status
}

// Deps are the components the handlers drive. Store and Reconciler may be
// nil; the routes that need them then answer 503.
type Deps struct {
	Engine     *reminder.Engine
	Port       reminder.Port
	Store      storage.Store
	Reconciler Reconciler
	// Health adds extra fields to /healthz.
	Health func() map[string]any
	Log    logx.Logger
	Pprof  bool
}

type handlers struct {
	Deps
}

// NewRouter builds the chi router for d.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/subjects", h.listSubjects)
		r.Get("/pending", h.listPending)
		r.Get("/reconcile", h.reconcileStatus)
		r.Post("/reconcile", h.reconcile)

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Put("/", h.putTask)
			r.Delete("/", h.deleteSubject(reminder.KindTask))
		})
		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Put("/", h.putSubscription)
			r.Delete("/", h.deleteSubject(reminder.KindSubscription))
		})
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondErr(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

var errNoStore = errors.New("storage disabled")

func subjectID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.New("invalid id: " + err.Error())
	}
	return id, nil
}

type taskRequest struct {
	Title        string     `json:"title"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ReminderDate *time.Time `json:"reminder_date,omitempty"`
	IsCompleted  bool       `json:"is_completed"`
}

type subscriptionRequest struct {
	Name               string    `json:"name"`
	FormattedAmount    string    `json:"formatted_amount"`
	NextDueDate        time.Time `json:"next_due_date"`
	ReminderDaysBefore int       `json:"reminder_days_before"`
	// IsActive defaults to true when omitted.
	IsActive *bool `json:"is_active,omitempty"`
	IsPaused bool  `json:"is_paused"`
}

// upsertResponse lists the reminders the port accepted; Errors holds the
// per-reminder failures, if any.
type upsertResponse struct {
	Subject   reminder.Subject             `json:"subject"`
	Scheduled []reminder.ScheduledReminder `json:"scheduled"`
	Errors    []string                     `json:"errors,omitempty"`
}

func (h *handlers) putTask(w http.ResponseWriter, r *http.Request) {
	id, err := subjectID(r)
	if err != nil {
		respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	var req taskRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondErr(w, r, http.StatusBadRequest, errors.New("title required"))
		return
	}
	t := reminder.Task{ID: id, Title: req.Title, DueDate: req.DueDate, ReminderDate: req.ReminderDate, IsCompleted: req.IsCompleted}
	h.upsert(w, r, t, func(ctx context.Context) error { return h.Store.PutTask(ctx, t) })
}

func (h *handlers) putSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := subjectID(r)
	if err != nil {
		respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	var req subscriptionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondErr(w, r, http.StatusBadRequest, err)
		return
	}
	var problems []string
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "name required")
	}
	if req.NextDueDate.IsZero() {
		problems = append(problems, "next_due_date required")
	}
	if req.ReminderDaysBefore < 0 {
		problems = append(problems, "reminder_days_before must be >= 0")
	}
	if len(problems) > 0 {
		respondErr(w, r, http.StatusBadRequest, errors.New(strings.Join(problems, "; ")))
		return
	}
	s := reminder.Subscription{
		ID:                 id,
		Name:               req.Name,
		FormattedAmount:    req.FormattedAmount,
		NextDueDate:        req.NextDueDate,
		ReminderDaysBefore: req.ReminderDaysBefore,
		IsActive:           req.IsActive == nil || *req.IsActive,
		IsPaused:           req.IsPaused,
	}
	h.upsert(w, r, s, func(ctx context.Context) error { return h.Store.PutSubscription(ctx, s) })
}

// upsert stores s with save and schedules it as one engine step.
func (h *handlers) upsert(w http.ResponseWriter, r *http.Request, s reminder.Subject, save func(context.Context) error) {
	var saveErr error
	if h.Store != nil {
		inner := save
		save = func(ctx context.Context) error {
			saveErr = inner(ctx)
			return saveErr
		}
	} else {
		save = nil
	}
	scheduled, err := h.Engine.Upsert(r.Context(), s, save)
	if saveErr != nil {
		h.Log.Error("store subject failed",
			logx.String("kind", string(s.Kind())), logx.String("id", s.SubjectID().String()), logx.Err(saveErr))
		respondErr(w, r, http.StatusInternalServerError, saveErr)
		return
	}
	resp := upsertResponse{Subject: s, Scheduled: scheduled}
	if resp.Scheduled == nil {
		resp.Scheduled = []reminder.ScheduledReminder{}
	}
	if err != nil {
		for _, e := range unwrapAll(err) {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	respond(w, r, http.StatusOK, resp)
}

func unwrapAll(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func (h *handlers) deleteSubject(kind reminder.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := subjectID(r)
		if err != nil {
			respondErr(w, r, http.StatusBadRequest, err)
			return
		}
		var remove func(context.Context) error
		if h.Store != nil {
			remove = func(ctx context.Context) error { return h.Store.DeleteSubject(ctx, kind, id) }
		}
		if err := h.Engine.Remove(r.Context(), kind, id, remove); err != nil {
			h.Log.Error("delete subject failed", logx.String("kind", string(kind)), logx.String("id", id.String()), logx.Err(err))
			respondErr(w, r, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type subjectsResponse struct {
	Tasks         []reminder.Task         `json:"tasks"`
	Subscriptions []reminder.Subscription `json:"subscriptions"`
}

func (h *handlers) listSubjects(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		respondErr(w, r, http.StatusServiceUnavailable, errNoStore)
		return
	}
	subjects, err := h.Store.ListSubjects(r.Context())
	if err != nil {
		respondErr(w, r, http.StatusInternalServerError, err)
		return
	}
	resp := subjectsResponse{Tasks: []reminder.Task{}, Subscriptions: []reminder.Subscription{}}
	for _, s := range subjects {
		switch v := s.(type) {
		case reminder.Task:
			resp.Tasks = append(resp.Tasks, v)
		case reminder.Subscription:
			resp.Subscriptions = append(resp.Subscriptions, v)
		}
	}
	respond(w, r, http.StatusOK, resp)
}

type pendingResponse struct {
	Identifiers []string                     `json:"identifiers"`
	Reminders   []reminder.ScheduledReminder `json:"reminders,omitempty"`
}

func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Port.ListPending(r.Context())
	if err != nil {
		respondErr(w, r, http.StatusBadGateway, err)
		return
	}
	resp := pendingResponse{Identifiers: ids}
	if resp.Identifiers == nil {
		resp.Identifiers = []string{}
	}
	if p, ok := h.Port.(interface {
		Pending() []reminder.ScheduledReminder
	}); ok {
		resp.Reminders = p.Pending()
	}
	respond(w, r, http.StatusOK, resp)
}

type reconcileResponse struct {
	Report reminder.Report `json:"report"`
	Error  string          `json:"error,omitempty"`
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		respondErr(w, r, http.StatusServiceUnavailable, errNoStore)
		return
	}
	rep, err := h.Reconciler.RunNow(r.Context())
	resp := reconcileResponse{Report: rep}
	if err != nil {
		resp.Error = err.Error()
	}
	respond(w, r, http.StatusOK, resp)
}

func (h *handlers) reconcileStatus(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		respondErr(w, r, http.StatusServiceUnavailable, errNoStore)
		return
	}
	respond(w, r, http.StatusOK, h.Reconciler.Last())
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if h.Port != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		out["authorized"] = h.Port.RequestAuthorization(ctx)
		cancel()
	}
	if h.Health != nil {
		for k, v := range h.Health() {
			out[k] = v
		}
	}
	respond(w, r, http.StatusOK, out)
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
