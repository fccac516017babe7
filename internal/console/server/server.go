package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/console/handler"
	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// RS256 token check, implemented by AuthService through BaseValidator
	authValidator auth.TokenValidator

	authHandler     *handler.AuthHandler     // /auth/token
	clientHandler   *handler.ClientHandler   // /v1/clients
	securityHandler *handler.SecurityHandler // /v1/security
	auditHandler    *handler.AuditHandler    // /v1/audit
}

func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	clientH *handler.ClientHandler,
	securityH *handler.SecurityHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		authHandler:     authH,
		clientHandler:   clientH,
		securityHandler: securityH,
		auditHandler:    auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// public
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// RS256 bearer token required
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeSecurityRead))
			r.Get("/v1/clients/{fingerprint}", s.clientHandler.Get)
			r.Get("/v1/security/stats", s.securityHandler.GetStats)
			r.Get("/v1/audit", s.auditHandler.GetLogs)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeSecurityWrite))
			r.Post("/v1/clients/{fingerprint}/block", s.clientHandler.Block)
			r.Post("/v1/clients/{fingerprint}/unblock", s.clientHandler.Unblock)
		})
	})
}

// ServeHTTP makes ConsoleServer a plain http.Handler.
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
