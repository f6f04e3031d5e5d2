// Package api is the authenticated HTTP surface for triggering backups,
// restores and schedule changes, and for downloading archives.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

type Logger interface {
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

type Restorer interface {
	Restore(ctx context.Context, backupID, actor string) (*domain.RestoreRecord, error)
}

type Retention interface {
	Enforce(ctx context.Context, retentionDays int) ([]string, error)
	Delete(ctx context.Context, id string) error
}

type Schedules interface {
	Get(ctx context.Context) (*domain.BackupSchedule, error)
	Update(ctx context.Context, in domain.BackupSchedule) (*domain.BackupSchedule, error)
}

type Records interface {
	GetBackup(ctx context.Context, id string) (*domain.Backup, error)
	ListBackups(ctx context.Context, filter domain.BackupFilter) ([]*domain.Backup, error)
	ListRestores(ctx context.Context, limit int) ([]*domain.RestoreRecord, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Executor  domain.BackupExecutor
	Restorer  Restorer
	Retention Retention
	Schedules Schedules
	Records   Records
	Archives  domain.ArchiveStore
	Metrics   *metrics.Metrics
	Logger    Logger
	// Tokens maps actor names to bearer tokens.
	Tokens map[string]string
}

type Server struct {
	deps     Deps
	validate *validator.Validate
}

func New(deps Deps) *Server {
	return &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/backups", func(r chi.Router) {
			r.Post("/", s.createBackup)
			r.Get("/", s.listBackups)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getBackup)
				r.Delete("/", s.deleteBackup)
				r.Get("/download", s.downloadBackup)
				r.Post("/restore", s.restoreBackup)
			})
		})
		r.Get("/restores", s.listRestores)
		r.Get("/schedule", s.getSchedule)
		r.Put("/schedule", s.updateSchedule)
		r.Post("/retention", s.enforceRetention)
	})

	return r
}

type actorKey struct{}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}

// authenticate maps a bearer token to the actor recorded on backups and
// restores.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		actor := ""
		for name, want := range s.deps.Tokens {
			if want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
				actor = name
			}
		}
		if actor == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.deps.Logger.Infof("%s %s -> %d (%s, %d bytes) [%s]",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond),
			ww.BytesWritten(), chimiddleware.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.deps.Records.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
