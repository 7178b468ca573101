package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/lifecycle"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/store"
)

var (
	servePort   int
	serveTimers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger server",
	Long: "Serves HTTP triggers for campaign and send runs, lead signals from reply/bounce " +
		"detectors and read-only views of leads, sends and the schedule cursor. With --timers " +
		"the daemon loops run in the same process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := newScheduler(env, cfg)
		router := buildRouter(ctx, env.Store, sched, cfg.Server)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return startServer(gctx, router, resolvePort(servePort, cfg.Server.Port))
		})
		if serveTimers {
			g.Go(func() error { return sched.Run(gctx) })
		}
		return g.Wait()
	},
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// server holds what the HTTP handlers need.
type server struct {
	ctx   context.Context
	store store.Store
	sched *scheduler
}

// buildRouter wires every route. Jobs triggered over HTTP run on ctx, not on
// the request context.
func buildRouter(ctx context.Context, st store.Store, sched *scheduler, sc config.ServerConfig) http.Handler {
	s := &server{ctx: ctx, store: st, sched: sched}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(sc.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: sc.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(sc.Secret))

		r.Post("/campaign/run", s.trigger(func() *job { return s.sched.campaign }))
		r.Post("/send/run", s.trigger(func() *job { return s.sched.send }))
		r.Get("/status", s.status)

		r.Get("/leads", s.listLeads)
		r.Get("/leads/{id}", s.getLead)
		r.Post("/leads/{id}/signal", s.signalLead)
		r.Get("/sends", s.listSends)
		r.Get("/cursor", s.cursor)
	})

	return r
}

// bearerAuth rejects requests without the shared secret. An empty secret
// disables the check.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			zap.L().Warn("health: store ping failed", zap.Error(err))
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

// trigger starts a job in the background and answers 202, or 409 while the
// job is already running.
func (s *server) trigger(pick func() *job) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		j := pick()
		if !j.Trigger(s.ctx) {
			writeError(w, http.StatusConflict, j.name+" already running")
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": j.name})
	}
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]jobStatus{
		"campaign": s.sched.campaign.Status(),
		"send":     s.sched.send.Status(),
		"prune":    s.sched.prune.Status(),
	})
}

func (s *server) listLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LeadFilter{Limit: 100}
	if v, ok := q["status"]; ok {
		filter.Status = model.StatusPtr(model.Status(v[0]))
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), filter.Limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	leads, err := s.store.ListLeads(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list leads", err)
		return
	}
	if leads == nil {
		leads = []model.Lead{}
	}
	writeJSONStatus(w, http.StatusOK, leads)
}

func (s *server) getLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		s.internalError(w, "get lead", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, lead)
}

func (s *server) signalLead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signal string `json:"signal"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := lifecycle.ParseSignal(req.Signal); err != nil {
		writeError(w, http.StatusBadRequest, "signal must be open, reply or bounce")
		return
	}

	lead, changed, err := applySignal(r.Context(), s.store, chi.URLParam(r, "id"), req.Signal, req.Detail)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		s.internalError(w, "signal lead", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"changed": changed, "lead": lead})
}

func (s *server) listSends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	recs, err := s.store.ListSends(r.Context(), q.Get("lead"), limit)
	if err != nil {
		s.internalError(w, "list sends", err)
		return
	}
	if recs == nil {
		recs = []model.SendRecord{}
	}
	writeJSONStatus(w, http.StatusOK, recs)
}

func (s *server) cursor(w http.ResponseWriter, r *http.Request) {
	view, err := loadCursorView(r.Context(), s.store, time.Now())
	if err != nil {
		s.internalError(w, "load cursor", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, view)
}

func (s *server) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("http: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveTimers, "timers", true, "also run the daemon timers in this process")
	rootCmd.AddCommand(serveCmd)
}
