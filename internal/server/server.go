package server

import (
	"context"
	"net"
	"time"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/openrag/gateway/internal/config"
	"github.com/openrag/gateway/internal/contextguard"
	"github.com/openrag/gateway/internal/identity"
	"github.com/openrag/gateway/internal/router"
	"github.com/openrag/gateway/internal/store"
	"github.com/openrag/gateway/internal/stream"
)

// Server is the Gateway Core's HTTP surface (spec.md §6.1), wiring every
// component (C1-C7) the request path touches. It is built once at startup
// from already-constructed components — it owns none of their lifecycles
// beyond routing requests to them.
type Server struct {
	config config.Server
	server *ada.Server

	devMode bool

	verifier      *identity.Verifier
	principals    *identity.PrincipalStore
	login         *identity.LoginBroker
	conversations store.ConversationRepository
	jobs          store.JobRepository
	router        *router.Router
	guard         *contextguard.Guard
	streams       stream.Store

	sessionTTL   time.Duration
	wallclockCap time.Duration
}

// New wires the ada mux with the teacher's standard middleware stack
// (recover/server/cors/requestid/log/telemetry, grounded on the teacher's
// internal/server/server.go) and mounts the Gateway Core's routes
// (spec.md §6.1).
func New(
	cfg config.Server,
	devMode bool,
	verifier *identity.Verifier,
	principals *identity.PrincipalStore,
	login *identity.LoginBroker,
	conversations store.ConversationRepository,
	jobs store.JobRepository,
	rtr *router.Router,
	guard *contextguard.Guard,
	streams stream.Store,
	sessionTTL time.Duration,
	wallclockCap time.Duration,
) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:        cfg,
		server:        mux,
		devMode:       devMode,
		verifier:      verifier,
		principals:    principals,
		login:         login,
		conversations: conversations,
		jobs:          jobs,
		router:        rtr,
		guard:         guard,
		streams:       streams,
		sessionTTL:    sessionTTL,
		wallclockCap:  wallclockCap,
	}

	baseGroup := mux.Group(cfg.BasePath)

	baseGroup.GET("/health", s.Health)
	baseGroup.GET("/health/{service}", s.HealthService)

	authGroup := baseGroup.Group("/api/auth")
	authGroup.POST("/login", s.Login)
	authGroup.POST("/verify", s.VerifyToken)

	apiGroup := baseGroup.Group("/api")
	apiGroup.Use(s.authMiddleware)

	apiGroup.GET("/users/me", s.GetMe)
	apiGroup.PUT("/users/me", s.UpdateMe)
	apiGroup.GET("/llm/models", s.ListModels)

	adminGroup := apiGroup.Group("/admin")
	adminGroup.Use(s.requireAdmin)
	adminGroup.GET("/users", s.ListPrincipals)
	adminGroup.DELETE("/users/{id}", s.DeactivatePrincipal)

	convGroup := apiGroup.Group("/chat/conversations")
	convGroup.POST("/", s.CreateConversation)
	convGroup.GET("/", s.ListConversations)
	convGroup.GET("/{id}", s.GetConversation)
	convGroup.PATCH("/{id}", s.UpdateConversation)
	convGroup.DELETE("/{id}", s.DeleteConversation)
	convGroup.GET("/{id}/messages", s.ListMessages)
	convGroup.POST("/{id}/chat", s.Chat)
	convGroup.POST("/{id}/prepare-stream", s.PrepareStream)

	// The stream token itself is the bearer of authority here (spec.md
	// §4.7.3) — this route is deliberately outside authMiddleware.
	baseGroup.GET("/stream/{token}", s.Stream)

	return s, nil
}

// Start blocks serving until ctx is cancelled, grounded on the teacher's
// Server.Start / ada.Server.StartWithContext.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}
