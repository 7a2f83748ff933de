// Package api is the HTTP surface of the gateway: merchant invoice routes
// and the provider webhook that feeds the ingress pipeline.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stanislawq/Cryptocurrency-gateway/api/apierr"
	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/merchants"
	"github.com/stanislawq/Cryptocurrency-gateway/provider"
)

var log = build.AddSubLogger("API")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// CORSOrigins is the list of origins allowed to call us from browsers
	CORSOrigins []string
	// WebhookSecret authenticates the event provider on the webhook route
	WebhookSecret string
	// DefaultExpirySeconds is the payment window for invoices that don't
	// set their own
	DefaultExpirySeconds int64
	// PayBaseURL is the base of hosted payment page links; payUrl is left
	// out of invoice responses when empty
	PayBaseURL string
	// Tokens is the supported stablecoin set, DefaultTokens when empty
	Tokens []TokenInfo
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and the collaborators invoice creation needs.
type RestServer struct {
	Router    *gin.Engine
	db        *db.DB
	chain     provider.Client
	allocator AddressAllocator
	pricer    Pricer
	registry  *Registry
	conf      Config
}

const merchantKey = "merchant"

func getCorsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization", "Idempotency-Key"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	// webhook bodies carry provider payloads we don't want echoed into logs
	engine.Use(build.GinLoggingMiddleWare(log, []string{"/webhooks/provider"}))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.CORSOrigins)))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates a new app
func NewApp(database *db.DB, chain provider.Client, allocator AddressAllocator,
	pricer Pricer, config Config) (RestServer, error) {
	build.SetLogLevels(config.LogLevel)

	if config.WebhookSecret == "" {
		return RestServer{}, errors.New("config.WebhookSecret is not set")
	}

	g := getGinEngine(config)

	tokens := config.Tokens
	if len(tokens) == 0 {
		tokens = DefaultTokens
	}
	registry, err := NewRegistry(tokens)
	if err != nil {
		return RestServer{}, err
	}

	r := RestServer{
		Router:    g,
		db:        database,
		chain:     chain,
		allocator: allocator,
		pricer:    pricer,
		registry:  registry,
		conf:      config,
	}

	// Ping handler
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})
	r.Router.GET("/health", r.health())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerInvoiceRoutes()
	r.registerWebhookRoutes()

	return r, nil
}

// authenticateMerchant resolves the Authorization bearer token to a
// merchant and stores it on the context
func (r *RestServer) authenticateMerchant() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingAuthHeader)
			return
		}
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrApiKeyNotFound)
			return
		}

		merchant, err := merchants.GetByApiKey(r.db, header[len(prefix):])
		if err != nil {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrApiKeyNotFound)
			return
		}
		c.Set(merchantKey, merchant)
	}
}

// getMerchant reads the authenticated merchant off the context
func getMerchant(c *gin.Context) merchants.Merchant {
	return c.MustGet(merchantKey).(merchants.Merchant)
}

func (r *RestServer) registerInvoiceRoutes() {
	group := r.Router.Group("/api", r.authenticateMerchant())

	group.POST("/invoices", r.createInvoice())
	group.GET("/invoices/:id", r.getInvoice())
	group.GET("/invoices/:id/status", r.getInvoiceStatus())
	group.POST("/invoices/:id/intents", r.createIntent())
	group.POST("/invoices/:id/cancel", r.cancelInvoice())
}

func (r *RestServer) registerWebhookRoutes() {
	r.Router.POST("/webhooks/provider", r.providerWebhook())
}

// health reports DB connectivity, migration status and the head of each
// supported chain
func (r *RestServer) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		migrationStatus, err := r.db.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		heads := gin.H{}
		for _, chain := range r.registry.Chains() {
			head, err := r.chain.BlockNumber(c.Request.Context(), chain)
			if err != nil {
				heads[chain] = "unreachable"
				continue
			}
			heads[chain] = head
		}

		c.JSON(http.StatusOK, gin.H{
			"status":                  "ok",
			"databaseMigrationStatus": migrationStatus,
			"chainHeads":              heads,
		})
	}
}
