package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/codingric/receiptbox/auth"
	"github.com/codingric/receiptbox/models"
	"github.com/codingric/receiptbox/storage"
	"github.com/codingric/receiptbox/transactions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type ErrorMessage struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type RouterConfig struct {
	Service        *transactions.Service
	Users          UserStore
	Verifier       *auth.Verifier
	Media          *storage.LocalStore
	CorsOrigins    []string
	MaxUploadBytes int64
}

// NewRouter wires the API routes. Media is mounted at /media/ when the local
// storage backend is in use.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("receiptbox"), RequestLogger())
	if len(cfg.CorsOrigins) > 0 {
		c := cors.DefaultConfig()
		c.AllowOrigins = cfg.CorsOrigins
		c.AddAllowHeaders("Authorization", "Idempotency-Key")
		c.AddExposeHeaders("X-Total-Count")
		r.Use(cors.New(c))
	}

	r.GET("/healthz/ready", ReadyHandler)
	if cfg.Media != nil {
		r.Group("", MediaHeaders()).StaticFS("/media", cfg.Media.FileSystem())
	}

	h := &TransactionHandler{Service: cfg.Service, MaxUploadBytes: cfg.MaxUploadBytes}
	api := r.Group("/api/v1", RequireUser(cfg.Verifier, cfg.Users))
	for _, path := range []string{"/transactions", "/transactions/"} {
		api.GET(path, h.List)
		api.POST(path, h.Create)
	}
	api.GET("/transactions/:id", h.Retrieve)
	return r
}

func ReadyHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK\n")
}

// MediaHeaders stops browsers from treating stored uploads as active content
// on the API's origin.
func MediaHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Content-Security-Policy", "default-src 'none'; sandbox")
		c.Next()
	}
}

// RequestLogger logs one line per request once the handler chain is done.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		e := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			e = log.Error()
		}
		if u, ok := c.Get(userKey); ok {
			e = e.Uint("user_id", u.(*models.User).ID)
		}
		e.Str("method", c.Request.Method).
			Str("request_url", c.Request.RequestURI).
			Str("remote_addr", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("duration_ms", time.Since(started)).
			Msg("Request")
	}
}

// respondError maps service errors onto status codes and logs server-side
// failures.
func respondError(c *gin.Context, err error) {
	var (
		verr *transactions.ValidationError
		serr *transactions.StorageError
		perr *transactions.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorMessage{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, transactions.ErrInProgress):
		c.JSON(http.StatusConflict, ErrorMessage{Error: err.Error()})
	case errors.Is(err, transactions.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorMessage{Error: "Record not found"})
	case errors.As(err, &serr):
		log.Error().Err(serr.Err).Str("request_url", c.Request.RequestURI).Msg("Object store failure")
		c.JSON(http.StatusBadGateway, ErrorMessage{Error: "receipt storage unavailable"})
	case errors.As(err, &perr):
		log.Error().Err(perr.Err).Str("request_url", c.Request.RequestURI).Msg("Database failure")
		c.JSON(http.StatusInternalServerError, ErrorMessage{Error: "could not save transaction"})
	default:
		log.Error().Err(err).Str("request_url", c.Request.RequestURI).Msg("Unhandled error")
		c.JSON(http.StatusInternalServerError, ErrorMessage{Error: http.StatusText(http.StatusInternalServerError)})
	}
}
