package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/reconcile"
	"github.com/sells-group/profile-reconciler/internal/store"
	"github.com/sells-group/profile-reconciler/internal/verify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for batch submission",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		return startServer(ctx, buildRouter(env), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// reconcileRequest is the body of POST /v1/reconcile. Unset options fall
// back to config.
type reconcileRequest struct {
	Candidates    []model.Candidate `json:"candidates"`
	RefreshMode   *bool             `json:"refresh_mode,omitempty"`
	StaleDays     *int              `json:"stale_days,omitempty"`
	CreateMissing *bool             `json:"create_missing,omitempty"`
}

func (r reconcileRequest) options() reconcile.Options {
	opts := reconcile.Options{
		RefreshMode:   cfg.Reconcile.RefreshMode,
		StaleDays:     cfg.Reconcile.StaleDays,
		CreateMissing: cfg.Reconcile.CreateMissing,
	}
	if r.RefreshMode != nil {
		opts.RefreshMode = *r.RefreshMode
	}
	if r.StaleDays != nil {
		opts.StaleDays = *r.StaleDays
	}
	if r.CreateMissing != nil {
		opts.CreateMissing = *r.CreateMissing
	}
	return opts
}

type mergeRequest struct {
	KeepID string `json:"keep_id"`
	DropID string `json:"drop_id"`
	DryRun bool   `json:"dry_run"`
}

// buildRouter wires the HTTP routes over env.
func buildRouter(env *engineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(limitBody(int64(cfg.Server.MaxBodyMB) << 20))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := env.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reconcile", func(w http.ResponseWriter, r *http.Request) {
			var req reconcileRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if len(req.Candidates) == 0 {
				writeError(w, http.StatusBadRequest, "candidates are required")
				return
			}
			for _, c := range req.Candidates {
				if err := c.Validate(); err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
			}

			report, err := env.Engine.Reconcile(r.Context(), req.Candidates, req.options())
			if err != nil {
				zap.L().Error("reconcile request failed", zap.Int("candidates", len(req.Candidates)), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "reconcile failed")
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		r.Post("/merge", func(w http.ResponseWriter, r *http.Request) {
			var req mergeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.KeepID == "" || req.DropID == "" || req.KeepID == req.DropID {
				writeError(w, http.StatusBadRequest, "keep_id and drop_id must be two different record ids")
				return
			}

			res, err := env.Engine.Merge(r.Context(), req.KeepID, req.DropID, req.DryRun)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "profile not found")
				return
			}
			if err != nil {
				zap.L().Error("merge request failed", zap.String("keep", req.KeepID), zap.String("drop", req.DropID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "merge failed")
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Get("/quarantine", func(w http.ResponseWriter, r *http.Request) {
			days, err := parseDay(r.URL.Query().Get("day"), env.Quarantine.Now())
			if err != nil {
				writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
				return
			}
			pending, err := env.Quarantine.Pending(days[0])
			if err != nil {
				zap.L().Error("quarantine request failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "quarantine unavailable")
				return
			}
			if pending == nil {
				pending = []verify.QuarantineRecord{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"day":     days[0].Format(dayLayout),
				"pending": pending,
			})
		})

		r.Get("/profiles/{id}/score", func(w http.ResponseWriter, r *http.Request) {
			p, err := env.Store.GetProfile(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "profile not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "profile unavailable")
				return
			}
			writeJSON(w, http.StatusOK, scoreProfile(env.Scorer, p, cfg.Reconcile.ExpiryThreshold))
		})
	})

	return r
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}

	return nil
}
