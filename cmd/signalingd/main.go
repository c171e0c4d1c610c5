// Command signalingd is the entrypoint for the signaling core: it wires
// config/logging/metrics/auth/bus/store/lock/ticket together, registers
// every namespace-scoped module, and serves the ticket-issue HTTP endpoint
// and the websocket signaling endpoint behind gin, matching the shape of
// the teacher's cmd/v1/session/main.go (env loading, MockValidator dev
// fallback, CORS, graceful shutdown) generalized from its single Hub to a
// Manager-backed Room/Runner pair.
package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/riftcall/signaling/internal/auth"
	"github.com/riftcall/signaling/internal/bus"
	"github.com/riftcall/signaling/internal/config"
	"github.com/riftcall/signaling/internal/health"
	"github.com/riftcall/signaling/internal/lock"
	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/middleware"
	"github.com/riftcall/signaling/internal/modules/automod"
	"github.com/riftcall/signaling/internal/modules/breakout"
	"github.com/riftcall/signaling/internal/modules/chat"
	"github.com/riftcall/signaling/internal/modules/control"
	"github.com/riftcall/signaling/internal/modules/legalvote"
	"github.com/riftcall/signaling/internal/modules/polls"
	"github.com/riftcall/signaling/internal/modules/recording"
	"github.com/riftcall/signaling/internal/modules/timer"
	"github.com/riftcall/signaling/internal/ratelimit"
	"github.com/riftcall/signaling/internal/signaling"
	"github.com/riftcall/signaling/internal/store"
	"github.com/riftcall/signaling/internal/ticket"
	"github.com/riftcall/signaling/internal/tracing"
)

// tokenValidator is the narrow interface both auth.Validator and
// auth.MockValidator satisfy, matching the teacher's session.TokenValidator.
type tokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

func main() {
	for _, path := range []string{".env", "../../.env", "../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		zap.S().Fatalf("invalid configuration: %v", err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode || cfg.GoEnv != "production"); err != nil {
		zap.S().Fatalf("failed to initialize logging: %v", err)
	}
	log := logging.GetLogger()
	defer log.Sync()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var validator tokenValidator
	if cfg.SkipAuth {
		log.Warn("authentication disabled for development — do not use in production")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			log.Fatal("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		v, err := auth.NewValidator(rootCtx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			log.Fatal("failed to build auth validator", zap.Error(err))
		}
		validator = v
	}

	// The signaling core's state store (C1) is not optional the way the
	// teacher's cross-pod bus is: presence, tickets, and locks all live in
	// Redis, so this process always dials it, defaulting to localhost for a
	// single-node dev run even if REDIS_ENABLED was left unset.
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(rootCtx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.String("addr", redisAddr), zap.Error(err))
	}
	st := store.New(rdb)

	busSvc, err := bus.NewService(redisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("failed to initialize bus", zap.Error(err))
	}
	defer busSvc.Close()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := tracing.InitTracer(rootCtx, "signalingd", endpoint)
		if err != nil {
			log.Warn("failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	lockMgr := lock.NewManager(st, cfg.LockTTL, cfg.LockRetries, cfg.LockRetryBackoff)
	ticketSvc := ticket.NewService(st, cfg.TicketTTL, cfg.ResumptionTTL)

	registry := signaling.NewRegistry()
	registry.Register(control.Namespace, control.NewFactory())
	registry.Register(automod.Namespace, automod.NewFactory())
	registry.Register(chat.Namespace, chat.NewFactory())
	registry.Register(polls.Namespace, polls.NewFactory())
	registry.Register(timer.Namespace, timer.NewFactory())
	registry.Register(legalvote.Namespace, legalvote.NewFactory())
	registry.Register(breakout.Namespace, breakout.NewFactory())
	registry.Register(recording.Namespace, recording.NewFactory())
	// recording.ControlNamespace is a broadcast-only channel a future
	// bus-bridging component subscribes to (see internal/modules/recording's
	// package doc) — it is never a dispatch target for incoming frames, so
	// it is not registered as its own module.

	manager := signaling.NewManager(registry, st, busSvc, lockMgr, cfg.RoomCleanupGrace)

	rl, err := ratelimit.NewRateLimiter(cfg, rdb)
	if err != nil {
		log.Fatal("failed to initialize rate limiter", zap.Error(err))
	}

	healthHandler := health.NewHandler(busSvc)

	runnerCfg := signaling.RunnerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		LockTTL:           cfg.LockTTL,
		LockRetries:       cfg.LockRetries,
		LockRetryBackoff:  cfg.LockRetryBackoff,
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	router := gin.Default()
	router.Use(middleware.CorrelationID())
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(rl.GlobalMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	apiGroup := router.Group("/api/v1")
	apiGroup.Use(rl.MiddlewareForEndpoint("rooms"))
	apiGroup.POST("/rooms/:roomId/ticket", issueTicketHandler(validator, ticketSvc))

	upgrader := websocketUpgrader(allowedOrigins)
	router.GET("/ws/signaling", signalingHandler(rootCtx, upgrader, rl, manager, ticketSvc, st, lockMgr, runnerCfg))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		log.Info("signalingd starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancelRoot()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("signalingd exiting")
}

// ticketRequest is the body of a ticket-issue request: the caller's room
// (plus optional breakout sub-room) and, for a reconnecting client, the
// resumption token it was handed on the previous connection.
type ticketRequest struct {
	BreakoutID string `json:"breakout_id"`
	Resumption string `json:"resumption_token"`
	Kind       string `json:"kind"`
}

type ticketResponse struct {
	Ticket          string `json:"ticket"`
	ResumptionToken string `json:"resumption_token"`
}

// issueTicketHandler implements spec.md §4.4's HTTP-issued ticket step: it
// authenticates the caller, resolves Subject/RoomRef, and hands back an
// opaque ticket token the client redeems at websocket open.
func issueTicketHandler(validator tokenValidator, ticketSvc *ticket.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var req ticketRequest
		_ = c.ShouldBindJSON(&req)

		kind := ticket.KindUser
		if req.Kind != "" {
			kind = ticket.Kind(req.Kind)
		}

		room := ticket.RoomRef{RoomID: c.Param("roomId")}
		if req.BreakoutID != "" {
			room.BreakoutID = &req.BreakoutID
		}

		tok, resumption, err := ticketSvc.StartOrContinue(c.Request.Context(), ticket.Subject{Kind: kind, UserID: claims.Subject}, room, req.Resumption)
		if err != nil {
			if err == ticket.ErrSessionRunning {
				c.JSON(http.StatusConflict, gin.H{"error": "session_running"})
				return
			}
			logging.Error(c.Request.Context(), "failed to issue ticket", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.JSON(http.StatusOK, ticketResponse{Ticket: tok, ResumptionToken: resumption})
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// websocketUpgrader mirrors the teacher's hub.go CheckOrigin policy: allow
// any request lacking an Origin header (non-browser clients) and otherwise
// require a scheme+host match against the configured allow-list.
func websocketUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{New: func() any { return make([]byte, 4096) }},
	}
}

// signalingHandler upgrades the connection and drives its Runner for the
// connection's lifetime (spec.md §4.6), redeeming the ticket named by the
// "ticket" query parameter.
func signalingHandler(
	rootCtx context.Context,
	upgrader websocket.Upgrader,
	rl *ratelimit.RateLimiter,
	manager *signaling.Manager,
	ticketSvc *ticket.Service,
	st *store.Client,
	lockMgr *lock.Manager,
	runnerCfg signaling.RunnerConfig,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.CheckWebSocket(c) {
			return
		}

		ticketToken := c.Query("ticket")
		if ticketToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ticket query parameter required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Error(c.Request.Context(), "failed to upgrade websocket connection", zap.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(rootCtx)
		defer cancel()

		runner := signaling.NewRunner(conn, manager, ticketSvc, st, lockMgr, runnerCfg)
		if err := runner.Run(ctx, ticketToken); err != nil {
			logging.Warn(ctx, "runner exited with error", zap.Error(err))
		}
	}
}
