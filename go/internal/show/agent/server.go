// Package agent exposes the running show engine to the local presentation
// layer over HTTP.
package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerConfig holds the listen address and CORS origins
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NewServer builds the HTTP server for the API, health check and metrics
func NewServer(cfg ServerConfig, h *Handler, health http.Handler) *http.Server {
	return &http.Server{
		Addr:    cfg.Addr,
		Handler: NewRouter(cfg, h, health),
	}
}

// NewRouter wires every route behind CORS and h2c. A nil health handler
// answers a plain OK.
func NewRouter(cfg ServerConfig, h *Handler, health http.Handler) http.Handler {
	mux := http.NewServeMux()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	h.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	setupHealthCheck(mux, health)

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func setupHealthCheck(mux *http.ServeMux, health http.Handler) {
	if health != nil {
		mux.Handle("/health", health)
		return
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
