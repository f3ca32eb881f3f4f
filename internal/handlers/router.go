package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// NewRouter registers the API routes. Cross-origin requests are accepted
// only from allowedOrigin.
func NewRouter(h *Handler, allowedOrigin string) *gin.Engine {
	r := gin.New()
	r.Use(
		RequestID(),
		RequestLogger(),
		gin.CustomRecovery(recoverJSON),
		EchoRequestedHeaders(allowedOrigin),
		cors.New(CORSConfig(allowedOrigin)),
	)

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)
	r.POST("/predict", h.Predict)
	r.POST("/predict/raw", h.PredictRaw)

	return r
}

// CORSConfig allows every method and the usual request headers from a single
// origin, with credentials.
func CORSConfig(allowedOrigin string) cors.Config {
	return cors.Config{
		AllowOrigins: []string{allowedOrigin},
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin", "Accept", "Accept-Language", "Content-Language", "Content-Type",
			"Content-Length", "Authorization", "X-Requested-With", requestIDHeader,
		},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// EchoRequestedHeaders grants a preflight from allowedOrigin every header it
// asks for in Access-Control-Request-Headers. A literal "*" is not honored by
// browsers on credentialed requests, so the list is reflected instead. It must
// run before the cors middleware, which writes the preflight response.
func EchoRequestedHeaders(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requested := c.GetHeader("Access-Control-Request-Headers")
		if c.Request.Method == http.MethodOptions && requested != "" && c.GetHeader("Origin") == allowedOrigin {
			c.Writer = &preflightWriter{ResponseWriter: c.Writer, allowHeaders: requested}
		}
		c.Next()
	}
}

// preflightWriter overwrites Access-Control-Allow-Headers just before the
// response header is flushed.
type preflightWriter struct {
	gin.ResponseWriter
	allowHeaders string
}

func (w *preflightWriter) grant() {
	if !w.Written() {
		w.Header().Set("Access-Control-Allow-Headers", w.allowHeaders)
	}
}

func (w *preflightWriter) WriteHeaderNow() {
	w.grant()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *preflightWriter) Write(data []byte) (int, error) {
	w.grant()
	return w.ResponseWriter.Write(data)
}

func (w *preflightWriter) WriteString(s string) (int, error) {
	w.grant()
	return w.ResponseWriter.WriteString(s)
}

// RequestID propagates an inbound X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.LogAttrs(c.Request.Context(), slog.LevelInfo, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", requestID(c)),
		)
	}
}

func recoverJSON(c *gin.Context, rec any) {
	slog.Error("panic recovered", "panic", rec, "path", c.Request.URL.Path, "request_id", requestID(c))
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
