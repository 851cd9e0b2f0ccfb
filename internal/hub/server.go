package hub

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server hosts the WebSocket endpoint and the admin API.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	auth     *AuthService
	reg      *Registry
	hub      *Hub
	sweeper  *Sweeper
	store    PresenceStore
	router   *chi.Mux
	upgrader websocket.Upgrader
}

// New creates a server. db may be nil to run without the presence store.
func New(cfg *Config, db *sql.DB, log zerolog.Logger) *Server {
	var store PresenceStore
	if db != nil {
		st := NewSQLiteStore(db)
		// Reset stale rows left by a previous instance - devices will flip
		// back to online as they reconnect.
		if err := st.MarkAllOffline(); err != nil {
			log.Warn().Err(err).Msg("failed to reset device status on startup")
		}
		store = st
	}

	auth := NewAuthService(cfg)
	reg := NewRegistry(log)
	h := NewHub(log, reg, auth, store)

	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		auth:    auth,
		reg:     reg,
		hub:     h,
		sweeper: NewSweeper(log, reg, cfg.SweepInterval, cfg.HeartbeatTimeout),
		store:   store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	s.setupRouter()
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser peers (devices) send no Origin header.
			return true
		}
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		return false
	}
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/health", s.handleHealth)

	// WebSocket (handles both devices and dashboard clients)
	r.Get("/ws", s.handleWebSocket)

	// Admin API; the bearer check is the authorization collaborator for
	// unscoped listing and cross-tenant sends.
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/devices", s.handleListDevices)
		r.Get("/presence", s.handlePresenceHistory)
		r.Get("/stats", s.handleStats)
		r.Post("/hotels/{hotelID}/broadcast", s.handleBroadcast)
		r.Post("/devices/{deviceID}/send", s.handleSendToDevice)
	})

	s.router = r
}

// requireAdmin middleware validates the admin bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if !s.auth.ValidateAdminToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start launches the hub loop and the liveness sweeper. Both stop when ctx
// is cancelled; the hub closes every held transport on its way out.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.sweeper.Run(ctx)
}

// Run starts the background tasks and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the hub (for callers wiring external broadcasts).
func (s *Server) Hub() *Hub {
	return s.hub
}
