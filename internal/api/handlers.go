package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"logosrelay/internal/relay"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	msgNoQuestion   = "Error: No se recibió una pregunta."
	msgTooShort     = "Error: La pregunta es demasiado corta."
	msgStoreFailure = "Error: No se pudo guardar la conversación. Inténtalo de nuevo."
)

// Relay is the part of relay.Relay the HTTP layer depends on.
type Relay interface {
	Handle(ctx context.Context, key, question string) (relay.View, error)
	Reset(ctx context.Context, key string) error
}

// Options configures a Handler. Only TrustedProxies may set X-Forwarded-For;
// nil trusts nobody.
type Options struct {
	FrontendURL    string
	Session        SessionOptions
	Limiter        *RateLimiter
	TrustedProxies []string
}

// Handler wires HTTP routes to the relay.
type Handler struct {
	relay       Relay
	frontendURL string
	session     gin.HandlerFunc
	limiter     *RateLimiter
	proxies     []string
	templates   *template.Template
	logger      *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(r Relay, opts Options, logger *slog.Logger) (*Handler, error) {
	if r == nil {
		return nil, errors.New("relay is required")
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:       r,
		frontendURL: opts.FrontendURL,
		session:     SessionMiddleware(opts.Session),
		limiter:     opts.Limiter,
		proxies:     opts.TrustedProxies,
		templates:   tmpl,
		logger:      logger,
	}, nil
}

// RegisterRoutes attaches all HTTP routes to the router. Client addresses are
// only read from forwarding headers sent by the configured proxies, since
// both the address session key and the rate limiter depend on them.
func (h *Handler) RegisterRoutes(router *gin.Engine) error {
	if err := router.SetTrustedProxies(h.proxies); err != nil {
		return fmt.Errorf("set trusted proxies: %w", err)
	}
	router.SetHTMLTemplate(h.templates)
	router.GET("/healthz", h.healthz)

	pages := router.Group("/")
	pages.Use(h.session)
	pages.GET("/", h.index)
	pages.GET("/limpiar", h.reset)
	if h.limiter != nil {
		pages.POST("/consulta", h.limiter.Middleware(), h.consulta)
	} else {
		pages.POST("/consulta", h.consulta)
	}
	return nil
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{"FrontendURL": h.frontendURL})
}

func (h *Handler) consulta(c *gin.Context) {
	key, ok := SessionKeyFromContext(c)
	if !ok {
		h.fail(c, http.StatusInternalServerError, msgStoreFailure)
		return
	}
	view, err := h.relay.Handle(c.Request.Context(), key, c.PostForm("pregunta"))
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrEmptyQuestion):
			h.fail(c, http.StatusBadRequest, msgNoQuestion)
		case errors.Is(err, relay.ErrQuestionTooShort):
			h.fail(c, http.StatusBadRequest, msgTooShort)
		default:
			h.logger.Error("handle question", "error", err)
			h.fail(c, http.StatusInternalServerError, msgStoreFailure)
		}
		return
	}
	if wantsJSON(c) {
		c.JSON(http.StatusOK, view)
		return
	}
	c.HTML(http.StatusOK, "respuesta.html", view)
}

func (h *Handler) reset(c *gin.Context) {
	if key, ok := SessionKeyFromContext(c); ok {
		if err := h.relay.Reset(c.Request.Context(), key); err != nil {
			h.logger.Error("reset session", "error", err)
		}
	}
	c.Redirect(http.StatusFound, "/")
}

// fail writes the plain-text error old browsers can show, or JSON for API clients.
func (h *Handler) fail(c *gin.Context, status int, msg string) {
	if wantsJSON(c) {
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.String(status, msg)
}

func wantsJSON(c *gin.Context) bool {
	return c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) == gin.MIMEJSON
}
