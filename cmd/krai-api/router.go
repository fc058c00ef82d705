// Package main provides the API router setup.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/krai-tech/krai-engine/cmd/krai-api/handlers"
	"github.com/krai-tech/krai-engine/cmd/krai-api/middleware"
	"github.com/krai-tech/krai-engine/internal/api/rpc"
	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/observability"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(log *observability.Logger, eng *engine.Engine) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(eng.Config().Server.WriteTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"krai-engine"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := eng.Ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	documentsHandler := handlers.NewDocumentsHandler(log, eng)
	searchHandler := handlers.NewSearchHandler(log, eng.Search())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stages", documentsHandler.ListStages)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", documentsHandler.Upload)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", documentsHandler.Get)
				r.Get("/stages", documentsHandler.ListStages)
				r.Get("/stages/status", documentsHandler.StagesStatus)
				r.Post("/process/stage/{stageName}", documentsHandler.ProcessStage)
				r.Post("/process/stages", documentsHandler.ProcessStages)
				r.Post("/process/smart", documentsHandler.SmartProcess)
				r.Post("/process/video", documentsHandler.ProcessVideo)
				r.Post("/process/thumbnail", documentsHandler.Thumbnail)
			})
		})

		r.Route("/search", func(r chi.Router) {
			r.Post("/", searchHandler.Query)
			r.Post("/images", searchHandler.Images)
			r.Post("/two-stage", searchHandler.TwoStage)
		})
	})

	// Connect RPC mirror of the search surface.
	rpcPath, rpcHandler := rpc.NewSearchServiceHandler(rpc.NewSearchService(log, eng.Search()))
	r.Handle(rpcPath, rpcHandler)

	return r
}
