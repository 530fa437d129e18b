package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const sessionKeyContextKey = "relay_session_key"

const (
	KeyModeCookie  = "cookie"
	KeyModeAddress = "address"
)

// SessionOptions controls how a client is mapped to a session key. SameSite
// defaults to Lax, which browsers drop on cross-site POSTs; None is required
// when the form is served from another site.
type SessionOptions struct {
	KeyMode    string
	CookieName string
	TTL        time.Duration
	SameSite   http.SameSite
}

// SameSiteMode maps the configured name to a cookie mode, Lax when unknown.
func SameSiteMode(name string) http.SameSite {
	switch strings.ToLower(name) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// SessionMiddleware resolves the session key for every request. In cookie
// mode a random token is issued when the client has none; in address mode the
// client IP is the key.
func SessionMiddleware(opts SessionOptions) gin.HandlerFunc {
	if opts.CookieName == "" {
		opts.CookieName = "relay_session"
	}
	maxAge := int(opts.TTL.Seconds())
	if maxAge <= 0 {
		maxAge = int((3 * time.Hour).Seconds())
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	// browsers reject SameSite=None without Secure
	secure := gin.Mode() == gin.ReleaseMode || opts.SameSite == http.SameSiteNoneMode
	return func(c *gin.Context) {
		var key string
		if strings.EqualFold(opts.KeyMode, KeyModeAddress) {
			key = c.ClientIP()
		} else {
			key = sessionCookie(c, opts.CookieName)
			if key == "" {
				key = uuid.NewString()
			}
			// refreshed on every request so the cookie slides with the session
			setCookie(c, &http.Cookie{
				Name:     opts.CookieName,
				Value:    key,
				MaxAge:   maxAge,
				Path:     "/",
				Secure:   secure,
				HttpOnly: true,
				SameSite: opts.SameSite,
			})
		}
		c.Set(sessionKeyContextKey, key)
		c.Next()
	}
}

func sessionCookie(c *gin.Context, name string) string {
	value, err := c.Cookie(name)
	if err != nil || value == "" {
		return ""
	}
	if _, err := uuid.Parse(value); err != nil {
		return ""
	}
	return value
}

// SessionKeyFromContext retrieves the key stored by SessionMiddleware.
func SessionKeyFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionKeyContextKey)
	if !ok {
		return "", false
	}
	key, ok := val.(string)
	return key, ok && key != ""
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

const limiterIdleTTL = 10 * time.Minute

// RateLimiter hands out one token bucket per client address.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*limiterEntry
	every  rate.Limit
	burst  int
	now    func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil when perSecond is zero, which disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limits: make(map[string]*limiterEntry),
		every:  rate.Limit(perSecond),
		burst:  burst,
		now:    time.Now,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if e, ok := rl.limits[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	for k, e := range rl.limits {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(rl.limits, k)
		}
	}
	e := &limiterEntry{limiter: rate.NewLimiter(rl.every, rl.burst), lastSeen: now}
	rl.limits[key] = e
	return e.limiter
}

// Allow checks if a request is allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	return rl.getLimiter(key).Allow()
}

// Middleware rejects requests over the per-client budget with 429. The bucket
// is keyed by client IP rather than session so that dropping the cookie does
// not buy a fresh budget.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			if wantsJSON(c) {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
				return
			}
			c.Abort()
			c.String(http.StatusTooManyRequests, "Error: Demasiadas consultas. Espera un momento.")
			return
		}
		c.Next()
	}
}
