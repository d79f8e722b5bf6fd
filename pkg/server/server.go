// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the copilot HTTP surface: single-agent and graph
// question endpoints (synchronous and SSE), knowledge base management and
// tool introspection.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etendosoftware/copilot/pkg/agent"
	"github.com/etendosoftware/copilot/pkg/checkpoint"
	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/embedders"
	"github.com/etendosoftware/copilot/pkg/etendo"
	"github.com/etendosoftware/copilot/pkg/kb"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// Server wires the HTTP layer to the shared services.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	registry *tools.ToolRegistry
	kb       *kb.Manager
	etendo   *etendo.Client
	store    *checkpoint.Store

	httpServer *http.Server
	watcher    *fsnotify.Watcher
}

// New builds the server and its shared services. The checkpoint store is
// optional; when it cannot be opened graph runs proceed without
// conversation memory.
func New(cfg *config.Config) (*Server, error) {
	embedder, err := embedders.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to build embedder: %w", err)
	}

	store, err := checkpoint.Open(cfg)
	if err != nil {
		slog.Warn("Checkpoint store unavailable, conversations will not persist", "error", err)
		store = nil
	}

	s := &Server{
		cfg:      cfg,
		registry: tools.Global(cfg),
		kb:       kb.NewManager(cfg, embedder, embedders.ImageEmbedderFromEnv()),
		etendo:   etendo.NewClient(cfg),
		store:    store,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)
	r.Use(s.contextMiddleware)

	r.Post("/question", s.handleQuestion)
	r.Post("/aquestion", s.handleQuestionStream)
	r.Post("/graph", s.handleGraph)
	r.Post("/agraph", s.handleGraphStream)
	r.Get("/tools", s.handleTools)
	r.Post("/addToVectorDB", s.handleAddToVectorDB)
	r.Post("/ResetVectorDB", s.handleResetVectorDB)
	r.Post("/purgeVectorDB", s.handlePurgeVectorDB)
	r.Post("/chroma", s.handleChroma)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.watchToolConfig()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Copilot listening", "port", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return s.Close()
}

// Close releases the server's resources.
func (s *Server) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	return s.kb.Close()
}

// watchToolConfig reloads the tool dependency manifest when it changes on
// disk. Watch failures degrade to a static configuration.
func (s *Server) watchToolConfig() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Tool config hot reload disabled", "error", err)
		return
	}
	s.watcher = watcher

	// Watching the directory survives editors that replace the file.
	if err := watcher.Add(s.cfg.RootDir()); err != nil {
		slog.Warn("Tool config hot reload disabled", "error", err)
		watcher.Close()
		s.watcher = nil
		return
	}

	deps := s.cfg.DependenciesPath()
	toolsConfig := s.cfg.ToolsConfigPath()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != deps && event.Name != toolsConfig {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				slog.Info("Tool configuration changed, reloading", "file", event.Name)
				if err := s.registry.ReloadDependencies(deps); err != nil {
					slog.Warn("Failed to reload tool dependencies", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Tool config watcher error", "error", err)
			}
		}
	}()
}

func (s *Server) dependencies() agent.Dependencies {
	return agent.Dependencies{
		Registry: s.registry,
		KB:       s.kb,
		Etendo:   s.etendo,
	}
}
