package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	v1 "sitepulse/api/v1"
	"sitepulse/internal/aggregation"
	"sitepulse/internal/config"
	"sitepulse/internal/geo"
	"sitepulse/internal/http"
	"sitepulse/internal/http/middleware"
	"sitepulse/internal/ingest"
	"sitepulse/internal/storage"
)

// publicCORSConfig is shared by every endpoint the tracking snippet calls cross-origin.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// Dependencies are the collaborators shared by the ingestion and read routes.
// Nil fields are built from the server: a GormStore over its DB manager, a
// resolver for the configured GeoIP path and the SQLite connection for reads.
// ReadDB must see the tables Store writes to.
type Dependencies struct {
	Store    storage.Store
	Resolver *geo.Resolver
	ReadDB   *gorm.DB
}

// MountAppRoutes mounts all application routes with default dependencies.
func MountAppRoutes(srv *cartridge.Server) {
	MountAppRoutesWith(Dependencies{})(srv)
}

// MountAppRoutesWith returns a route mount function using deps.
func MountAppRoutesWith(deps Dependencies) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		mountRoutes(srv, deps)
	}
}

func mountRoutes(srv *cartridge.Server, deps Dependencies) {
	cfg := config.GetConfig()
	logger := srv.GetLogger()

	if deps.Store == nil {
		deps.Store = storage.NewGormStore(srv.GetDBManager(), logger)
	}
	if deps.Resolver == nil {
		deps.Resolver = geo.NewResolver(cfg.GeoDBPath, logger)
	}
	if deps.ReadDB == nil {
		deps.ReadDB = srv.GetDBManager().GetConnection()
	}

	classifier := ingest.NewClassifier(deps.Store, deps.Resolver, logger)
	engine := aggregation.NewEngine(deps.Store, logger)
	events := v1.NewEventHandler(classifier, engine)

	// Rate limiting would interfere with tests and local development.
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	ingestLimit := cfg.IngestRateLimitPerMinute
	if ingestLimit <= 0 {
		ingestLimit = 70
	}
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(ingestLimit),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// CORS runs first so rejected requests still carry CORS headers.
	// Sec-Fetch-Site validation is off: the Go tracking client and server-side
	// stats consumers send no fetch metadata.
	publicAPIConfig := &cartridge.RouteConfig{
		EnableCORS:         true,
		EnableSecFetchSite: cartridge.Bool(false),
		CustomMiddleware:   []fiber.Handler{publicRateLimiter},
		CORSConfig:         publicCORSConfig,
	}

	statsAPIConfig := &cartridge.RouteConfig{
		EnableCORS:         true,
		EnableSecFetchSite: cartridge.Bool(false),
		CustomMiddleware: []fiber.Handler{
			middleware.StatsAPIKeyAuth(cfg.StatsAPIKey, logger),
			middleware.ProjectFilter(deps.ReadDB, logger),
		},
		CORSConfig: publicCORSConfig,
	}

	preflight := func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	// === ROOT ROUTES ===
	health := http.NewHealthIndexAction(deps.Resolver)
	srv.Get("/_health", health)
	srv.Head("/_health", health)

	metricsHandler := adaptor.HTTPHandler(promhttp.Handler())
	srv.Get("/metrics", func(ctx *cartridge.Context) error {
		return metricsHandler(ctx.Ctx)
	})

	// === INGESTION ROUTES ===
	srv.Post("/api/event", events.Create, publicAPIConfig)
	srv.Options("/api/event", preflight, publicAPIConfig)
	srv.Post("/api/event/beacon", events.Beacon, publicAPIConfig)
	srv.Options("/api/event/beacon", preflight, publicAPIConfig)

	// === READ ROUTES ===
	srv.Get("/api/projects/:domain/stats", http.NewProjectStatsAction(deps.ReadDB), statsAPIConfig)
	srv.Options("/api/projects/:domain/stats", preflight, publicAPIConfig)
}
