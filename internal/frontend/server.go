// Package frontend serves the REST API and the realtime event channel. The
// server binds to loopback only; there is no authentication layer.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/missionkit/missiond/internal/build"
	"github.com/missionkit/missiond/internal/config"
	"github.com/missionkit/missiond/internal/engine"
	"github.com/missionkit/missiond/internal/eventbus"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
	"github.com/missionkit/missiond/internal/persis/filemission"
	"github.com/missionkit/missiond/internal/persis/fileproject"
	"github.com/missionkit/missiond/internal/persis/filerun"
	"github.com/missionkit/missiond/internal/persis/filesettings"
	"github.com/missionkit/missiond/internal/provider"
	"github.com/missionkit/missiond/internal/teamwatch"
)

// shutdownTimeout bounds the HTTP drain during graceful shutdown.
const shutdownTimeout = 1 * time.Second

// Server is the HTTP frontend.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	missions  *filemission.Store
	templates *filemission.Store
	runs      *filerun.Store
	settings  *filesettings.Store
	projects  *fileproject.Store
	watcher   *teamwatch.Watcher
	providers *provider.Registry
	bus       *eventbus.Bus
}

// New assembles the server from its collaborators.
func New(cfg *config.Config, eng *engine.Engine, missions, templates *filemission.Store,
	runs *filerun.Store, settings *filesettings.Store, projects *fileproject.Store,
	watcher *teamwatch.Watcher, providers *provider.Registry, bus *eventbus.Bus,
) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		missions:  missions,
		templates: templates,
		runs:      runs,
		settings:  settings,
		projects:  projects,
		watcher:   watcher,
		providers: providers,
		bus:       bus,
	}
}

// Serve runs the HTTP server until ctx is canceled, then drains for up to
// shutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Server starting", tag.Path(addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "Server drain incomplete", tag.Error(err))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("frontend: server failed: %w", err)
	}
}

func (s *Server) routes() http.Handler {
	requestLogger := httplog.NewLogger(build.AppName, httplog.Options{
		LogLevel:       slog.LevelInfo,
		Concise:        true,
		RequestHeaders: false,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/providers", s.handleListProviders)
		api.Get("/agents", s.handleListAgents)
		api.Get("/events", s.handleEvents)

		api.Route("/missions", func(m chi.Router) {
			m.Get("/", s.handleListMissions)
			m.Post("/", s.handleCreateMission)

			m.Route("/templates", func(t chi.Router) {
				t.Get("/", s.handleListTemplates)
				t.Post("/", s.handleCreateTemplate)
				t.Get("/{id}", s.handleGetTemplate)
				t.Put("/{id}", s.handleUpdateTemplate)
				t.Delete("/{id}", s.handleDeleteTemplate)
			})

			m.Route("/runs", func(runs chi.Router) {
				runs.Get("/", s.handleListRuns)
				runs.Get("/{id}", s.handleGetRun)
				runs.Post("/{id}/abort", s.handleAbortRun)
				runs.Post("/{id}/retry/{nodeId}", s.handleRetryNode)
				runs.Get("/{id}/messages", s.handleGetRunMessages)
				runs.Post("/{id}/messages", s.handleRelayMessage)
				runs.Get("/{id}/progress", s.handleGetProgress)
				runs.Get("/{id}/output/{nodeId}", s.handleGetOutput)
			})

			m.Get("/{id}", s.handleGetMission)
			m.Put("/{id}", s.handleUpdateMission)
			m.Delete("/{id}", s.handleDeleteMission)
			m.Post("/{id}/run", s.handleRunMission)
		})

		api.Route("/settings", func(st chi.Router) {
			st.Get("/", s.handleGetSettings)
			st.Put("/{key}", s.handleSetSetting)
			st.Delete("/{key}", s.handleDeleteSetting)
		})

		api.Route("/projects", func(p chi.Router) {
			p.Get("/", s.handleListProjects)
			p.Post("/", s.handleAddProject)
			p.Delete("/{id}", s.handleRemoveProject)
		})
	})
	return r
}
