package telegram

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UpdateHandler consumes decoded webhook updates.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd Update)
}

// RouterOptions configure the webhook router.
type RouterOptions struct {
	// WebhookPath is where Telegram posts updates, e.g. "/webhook".
	WebhookPath string
	// BaseContext is passed to the handler instead of the request context.
	BaseContext context.Context
	// Async handles each update on its own goroutine after acknowledging it.
	Async bool
	// SecretToken, when set, must match the X-Telegram-Bot-Api-Secret-Token
	// header of every webhook post.
	SecretToken string
}

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// NewRouter builds the gin engine serving the webhook and /healthz.
func NewRouter(opts RouterOptions, handler UpdateHandler, logger zerolog.Logger) *gin.Engine {
	logger = logger.With().Str("component", "webhook").Logger()
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/"
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST(opts.WebhookPath, func(c *gin.Context) {
		if opts.SecretToken != "" {
			got := c.GetHeader(SecretTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(opts.SecretToken)) != 1 {
				logger.Warn().Str("remote", c.ClientIP()).Msg("webhook post with wrong secret token")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		var upd Update
		if err := c.ShouldBindJSON(&upd); err != nil {
			logger.Warn().Err(err).Msg("malformed update")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
			return
		}

		if opts.Async {
			go handler.HandleUpdate(opts.BaseContext, upd)
		} else {
			handler.HandleUpdate(opts.BaseContext, upd)
		}
		c.Status(http.StatusOK)
	})

	return router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		event := logger.Debug()
		if c.Writer.Status() >= 400 || duration > time.Second {
			event = logger.Warn()
		}
		event.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("request")
	}
}
