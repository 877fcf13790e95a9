package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
	"github.com/igorpdm/Manoel-Filmes/internal/upload"
)

// SessionArchive persists finished sessions. Optional; nil disables the
// history endpoint's backing store.
type SessionArchive interface {
	Insert(ctx context.Context, rec domain.SessionRecord) error
	ListRecent(ctx context.Context, limit int) ([]domain.SessionRecord, error)
}

// Processor runs the post-upload media pipeline off the request path.
type Processor interface {
	Process(ctx context.Context, r *room.Room, inputPath string, audioSelection int)
}

type Server struct {
	logger         *slog.Logger
	registry       *room.Registry
	uploads        *upload.Manager
	processor      Processor
	hub            *Hub
	archive        SessionArchive
	baseURL        string
	uploadsDir     string
	publicDir      string
	allowedOrigins []string
	handler        http.Handler
}

type ServerOption func(*Server)

func WithSessionArchive(archive SessionArchive) ServerOption {
	return func(s *Server) { s.archive = archive }
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func WithPublicDir(dir string) ServerOption {
	return func(s *Server) { s.publicDir = dir }
}

func NewServer(logger *slog.Logger, registry *room.Registry, uploads *upload.Manager, processor Processor, hub *Hub, baseURL, uploadsDir string, opts ...ServerOption) *Server {
	s := &Server{
		logger:     logger,
		registry:   registry,
		uploads:    uploads,
		processor:  processor,
		hub:        hub,
		baseURL:    baseURL,
		uploadsDir: uploadsDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/discord-session", s.handleCreateDiscordSession)
		api.Post("/session-token/{roomID}", s.handleSessionToken)
		api.Get("/validate-token/{roomID}", s.handleValidateToken)
		api.Get("/session-status/{roomID}", s.handleSessionStatus)
		api.Post("/session-rating/{roomID}", s.handleSessionRating)
		api.Post("/discord-end-session/{roomID}", s.handleEndSession)
		api.Post("/discord-finalize-session/{roomID}", s.handleFinalizeSession)
		api.Get("/session-history", s.handleSessionHistory)

		api.Route("/upload", func(up chi.Router) {
			up.Post("/init/{roomID}", s.handleUploadInit)
			up.Post("/chunk/{roomID}/{uploadID}/{chunkIndex}", s.handleUploadChunk)
			up.Post("/complete/{roomID}/{uploadID}", s.handleUploadComplete)
			up.Post("/abort/{roomID}/{uploadID}", s.handleUploadAbort)
			up.Get("/status/{roomID}/{uploadID}", s.handleUploadStatus)
			up.Post("/subtitle/{roomID}", s.handleSubtitleUpload)
			up.Get("/subtitle/{roomID}/{filename}", s.handleSubtitleDownload)
		})
	})

	r.Get("/video/{roomID}", s.handleVideo)
	r.Head("/video/{roomID}", s.handleVideo)
	r.Get("/ws", s.hub.HandleWS)

	if s.publicDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.publicDir)))
	}

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, r), "watchparty-server",
		otelhttp.WithFilter(func(req *http.Request) bool {
			p := req.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger,
		rateLimitMiddleware(100, 200,
			perIPRateLimitMiddleware(
				metricsMiddleware(
					corsMiddleware(s.allowedOrigins, traced)))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects every WebSocket with 1001 for graceful shutdown.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.Shutdown()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.registry.Count(),
	})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) (*room.Room, bool) {
	roomID := chi.URLParam(r, "roomID")
	rm, ok := s.registry.Get(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "room not found")
		return nil, false
	}
	return rm, true
}

// requestMediaProcessing transitions the room into processing and hands the
// published file to the pipeline in the background.
func (s *Server) requestMediaProcessing(rm *room.Room, finalPath string, audioSelection int) {
	rm.SetProcessing(true, "Queued")
	if s.processor == nil {
		return
	}
	go s.processor.Process(context.Background(), rm, finalPath, audioSelection)
}
