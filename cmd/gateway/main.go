package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"opsgate/pkg/audit"
	"opsgate/pkg/confirm"
	"opsgate/pkg/events"
	"opsgate/pkg/hardening"
	"opsgate/pkg/httpx"
	"opsgate/pkg/identity"
	"opsgate/pkg/metrics"
	"opsgate/pkg/ratelimit"
	"opsgate/pkg/store"
	"opsgate/pkg/stream"
	"opsgate/pkg/telemetry"
)

type Server struct {
	DB                 gatewayDB
	Confirmations      confirm.Store
	Audit              auditStore
	Metrics            *metrics.Registry
	Events             *stream.Hub
	Mutations          mutationPublisher
	Redis              *redis.Client
	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int
	ConfirmationTTL    time.Duration
	AuthMode           string
	TrustedProxyCIDRs  []*net.IPNet
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]audit.Record, error)
}

type mutationPublisher interface {
	Publish(ctx context.Context, rec events.MutationRecord) error
}

type gatewayDB interface {
	store.Querier
	store.Beginner
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	authMode := env("AUTH_MODE", "headers")
	hmacSecret := env("IDENTITY_HMAC_SECRET", "")
	hardeningOpts := hardening.Options{
		Service:               "gateway",
		Environment:           env("APP_ENV", "development"),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", ""),
		AuthMode:              authMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisRequired:         true,
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}
	if strings.EqualFold(authMode, "hmac") {
		hardeningOpts.RequiredServiceSecrets = append(hardeningOpts.RequiredServiceSecrets,
			hardening.EnvRequirement{Name: "IDENTITY_HMAC_SECRET", Value: hmacSecret})
	}
	if err := hardening.ValidateProduction(hardeningOpts); err != nil {
		return err
	}
	strictProd := hardening.StrictProduction(hardeningOpts.Environment, hardeningOpts.StrictProdSecurity)

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		// Confirmations must live in a store shared by every replica: the
		// proposing and executing instance may differ. Only development runs
		// may degrade to process-local memory.
		if strictProd {
			return fmt.Errorf("redis: %w", err)
		}
		log.Printf("redis unavailable, falling back to in-memory confirmations/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		DB:                 pool,
		Confirmations:      confirm.NewStore(ctx, redisClient),
		Audit:              &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Metrics:            metrics.NewRegistry(),
		Events:             stream.NewHub(),
		Redis:              redisClient,
		RateLimitEnabled:   rateLimitEnabled,
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 240),
		ConfirmationTTL:    confirm.TTLFromEnv(),
		AuthMode:           authMode,
		TrustedProxyCIDRs:  parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		pub, err := events.NewPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "opsgate.mutations"),
		})
		if err != nil {
			log.Printf("kafka publisher disabled: %v", err)
		} else {
			s.Mutations = pub
			defer pub.Close()
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.MaxBodyMiddleware(maxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(identity.Middleware(s.AuthMode, hmacSecret))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/v1/metrics", s.Metrics.Handler())
	authRouter.Get("/v1/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/tools/{action}", s.handleTool)
	authRouter.Post("/execute", s.handleExecute)
	authRouter.Get("/v1/confirmations/{confirmation_id}", s.getConfirmation)
	authRouter.Get("/v1/audit/{entity_type}/{entity_id}", s.listAudit)
	authRouter.Get("/v1/events", s.streamEvents)
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

// rateLimitMiddleware throttles per caller; unauthenticated requests fall
// back to client IP so an agent without identity cannot dodge the limit.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + s.clientIP(r)
		if caller, ok := identity.CallerFromContext(r.Context()); ok && caller.UserID != "" {
			key = "caller:" + caller.UserID
		}
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now().UTC())))
		httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Events != nil {
		s.Metrics.SetGauge("event_subscribers", float64(s.Events.SubscriberCount()))
	}
	rows, err := s.DB.Query(ctx, `SELECT outcome, COUNT(*) FROM mutation_audit GROUP BY outcome`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			continue
		}
		s.Metrics.SetGauge("audit_"+strings.ToLower(outcome), float64(count))
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
