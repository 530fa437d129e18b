package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"logosrelay/internal/models"
	"logosrelay/internal/relay"
	"logosrelay/internal/session"
)

type mockCompleter struct {
	mu      sync.Mutex
	prompts [][]models.Message
	answer  string
	err     error
}

func (m *mockCompleter) Complete(_ context.Context, msgs []models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, msgs)
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

func (m *mockCompleter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *mockCompleter) lastPrompt() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

func newTestServer(t *testing.T, completer *mockCompleter, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := relay.New(relay.DefaultConfig(), session.NewMemoryStore(session.DefaultTTL), completer, logger)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	h, err := NewHandler(r, opts, logger)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	router := gin.New()
	if err := h.RegisterRoutes(router); err != nil {
		t.Fatalf("register routes: %v", err)
	}
	return router
}

func cookieOptions() Options {
	return Options{Session: SessionOptions{KeyMode: KeyModeCookie, CookieName: "relay_session", TTL: time.Hour}}
}

func postQuestion(t *testing.T, router *gin.Engine, question *string, headers map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	if question != nil {
		form.Set("pregunta", *question)
	}
	req := httptest.NewRequest(http.MethodPost, "/consulta", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doGet(router *gin.Engine, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "relay_session" {
			return ck
		}
	}
	t.Fatalf("session cookie not set")
	return nil
}

func strPtr(s string) *string { return &s }

func TestConsultaValidation(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	router := newTestServer(t, completer, cookieOptions())

	cases := []struct {
		name     string
		question *string
		wantBody string
	}{
		{"missing field", nil, msgNoQuestion},
		{"empty", strPtr(""), msgNoQuestion},
		{"whitespace", strPtr("   \n "), msgNoQuestion},
		{"too short", strPtr("a"), msgTooShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postQuestion(t, router, tc.question, nil)
			assertStatus(t, rec, http.StatusBadRequest)
			if rec.Body.String() != tc.wantBody {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
		})
	}
	if completer.calls() != 0 {
		t.Fatalf("invalid questions must not reach the provider, got %d calls", completer.calls())
	}
}

func TestConsultaRendersAnswerAndKeepsHistory(t *testing.T) {
	completer := &mockCompleter{answer: "Cuatro."}
	router := newTestServer(t, completer, cookieOptions())

	rec := postQuestion(t, router, strPtr("¿Cuánto es dos más dos?"), nil)
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"¿Cuánto es dos más dos?", "Cuatro.", "[Estado del Contexto: ~0.0% usado", `href="/limpiar"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	ck := sessionCookieFrom(t, rec)
	if !ck.HttpOnly || ck.MaxAge != 3600 {
		t.Fatalf("unexpected cookie attributes %+v", ck)
	}

	rec = postQuestion(t, router, strPtr("¿y 3+3?"), nil, ck)
	assertStatus(t, rec, http.StatusOK)
	if got := len(completer.lastPrompt()); got != 4 {
		t.Fatalf("expected system + previous exchange + question, got %d messages", got)
	}
}

func TestLimpiarResetsHistory(t *testing.T) {
	completer := &mockCompleter{answer: "respuesta"}
	router := newTestServer(t, completer, cookieOptions())

	rec := postQuestion(t, router, strPtr("primera pregunta"), nil)
	assertStatus(t, rec, http.StatusOK)
	ck := sessionCookieFrom(t, rec)

	rec = doGet(router, "/limpiar", ck)
	assertStatus(t, rec, http.StatusFound)
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	rec = postQuestion(t, router, strPtr("segunda pregunta"), nil, ck)
	assertStatus(t, rec, http.StatusOK)
	if got := len(completer.lastPrompt()); got != 2 {
		t.Fatalf("expected empty history after reset, prompt had %d messages", got)
	}
	if completer.calls() != 2 {
		t.Fatalf("reset must not call the provider")
	}
}

func TestConsultaJSON(t *testing.T) {
	completer := &mockCompleter{answer: "hola"}
	router := newTestServer(t, completer, cookieOptions())

	rec := postQuestion(t, router, strPtr("saludo"), map[string]string{"Accept": "application/json"})
	assertStatus(t, rec, http.StatusOK)
	var view relay.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if view.Answer != "hola" || view.Question != "saludo" || view.Degraded || view.HistoryTurns != 2 {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = postQuestion(t, router, strPtr(""), map[string]string{"Accept": "application/json"})
	assertStatus(t, rec, http.StatusBadRequest)
	var errBody map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] != msgNoQuestion {
		t.Fatalf("unexpected error body %v", errBody)
	}
}

func TestConsultaUpstreamFailureStillOK(t *testing.T) {
	completer := &mockCompleter{err: errors.New("status 500")}
	router := newTestServer(t, completer, cookieOptions())

	rec := postQuestion(t, router, strPtr("¿Funciona?"), nil)
	assertStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	if !strings.Contains(body, "Error de conexión con la IA") || !strings.Contains(body, relay.DegradedMarker) {
		t.Fatalf("expected fallback page, got:\n%s", body)
	}
}

func TestConsultaRateLimited(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	opts := cookieOptions()
	opts.Limiter = NewRateLimiter(0.001, 1)
	router := newTestServer(t, completer, opts)

	rec := postQuestion(t, router, strPtr("uno dos"), nil)
	assertStatus(t, rec, http.StatusOK)
	ck := sessionCookieFrom(t, rec)

	rec = postQuestion(t, router, strPtr("tres cuatro"), nil, ck)
	assertStatus(t, rec, http.StatusTooManyRequests)
	if completer.calls() != 1 {
		t.Fatalf("rate-limited request reached the provider")
	}

	// another address has its own bucket
	rec = postFrom(t, router, "uno dos", "198.51.100.9:4000", "")
	assertStatus(t, rec, http.StatusOK)
}

func TestRateLimitHoldsWithoutCookies(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	opts := cookieOptions()
	opts.Limiter = NewRateLimiter(0.001, 1)
	router := newTestServer(t, completer, opts)

	rec := postQuestion(t, router, strPtr("uno dos"), nil)
	assertStatus(t, rec, http.StatusOK)
	for i := 0; i < 3; i++ {
		// every cookieless request starts a new session
		rec = postQuestion(t, router, strPtr("tres cuatro"), nil)
		assertStatus(t, rec, http.StatusTooManyRequests)
	}
	if completer.calls() != 1 {
		t.Fatalf("dropping the cookie bypassed the limiter: %d upstream calls", completer.calls())
	}
}

func TestRateLimitIgnoresForwardedHeader(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	opts := cookieOptions()
	opts.Limiter = NewRateLimiter(0.001, 1)
	router := newTestServer(t, completer, opts)

	assertStatus(t, postFrom(t, router, "uno dos", "192.0.2.1:1234", ""), http.StatusOK)
	rec := postFrom(t, router, "tres cuatro", "192.0.2.1:1234", "203.0.113.50")
	assertStatus(t, rec, http.StatusTooManyRequests)
}

func postFrom(t *testing.T, router *gin.Engine, question, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"pregunta": {question}}
	req := httptest.NewRequest(http.MethodPost, "/consulta", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAddressModeIgnoresSpoofedForwardedFor(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	router := newTestServer(t, completer, Options{Session: SessionOptions{KeyMode: KeyModeAddress}})

	assertStatus(t, postFrom(t, router, "primera", "192.0.2.1:1234", ""), http.StatusOK)

	// another host claiming to be 192.0.2.1 must not read its history
	assertStatus(t, postFrom(t, router, "intruso", "198.51.100.9:4000", "192.0.2.1"), http.StatusOK)
	if got := len(completer.lastPrompt()); got != 2 {
		t.Fatalf("spoofed header reached another session, prompt had %d messages", got)
	}

	// the real client still sees its own history whatever header it sends
	assertStatus(t, postFrom(t, router, "segunda", "192.0.2.1:5678", "203.0.113.50"), http.StatusOK)
	if got := len(completer.lastPrompt()); got != 4 {
		t.Fatalf("expected history keyed by socket address, prompt had %d messages", got)
	}
}

func TestAddressModeTrustsConfiguredProxy(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	router := newTestServer(t, completer, Options{
		Session:        SessionOptions{KeyMode: KeyModeAddress},
		TrustedProxies: []string{"10.0.0.0/8"},
	})

	assertStatus(t, postFrom(t, router, "primera", "10.0.0.2:80", "203.0.113.7"), http.StatusOK)
	assertStatus(t, postFrom(t, router, "otra", "10.0.0.2:80", "203.0.113.8"), http.StatusOK)
	if got := len(completer.lastPrompt()); got != 2 {
		t.Fatalf("clients behind the proxy share a session, prompt had %d messages", got)
	}
	assertStatus(t, postFrom(t, router, "segunda", "10.0.0.3:80", "203.0.113.7"), http.StatusOK)
	if got := len(completer.lastPrompt()); got != 4 {
		t.Fatalf("forwarded address not used as key, prompt had %d messages", got)
	}
}

func TestSessionCookieSameSite(t *testing.T) {
	router := newTestServer(t, &mockCompleter{answer: "ok"}, cookieOptions())
	ck := sessionCookieFrom(t, doGet(router, "/"))
	if ck.SameSite != http.SameSiteLaxMode {
		t.Fatalf("expected Lax by default, got %v", ck.SameSite)
	}

	opts := cookieOptions()
	opts.Session.SameSite = SameSiteMode("none")
	router = newTestServer(t, &mockCompleter{answer: "ok"}, opts)
	ck = sessionCookieFrom(t, doGet(router, "/"))
	if ck.SameSite != http.SameSiteNoneMode || !ck.Secure {
		t.Fatalf("cross-site cookie must be SameSite=None and Secure, got %v secure=%v", ck.SameSite, ck.Secure)
	}
	if SameSiteMode("Strict") != http.SameSiteStrictMode || SameSiteMode("bogus") != http.SameSiteLaxMode {
		t.Fatalf("unexpected same-site mapping")
	}
}

func TestAddressModeSharesHistoryPerClient(t *testing.T) {
	completer := &mockCompleter{answer: "ok"}
	router := newTestServer(t, completer, Options{Session: SessionOptions{KeyMode: KeyModeAddress}})

	rec := postQuestion(t, router, strPtr("primera"), nil)
	assertStatus(t, rec, http.StatusOK)
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("address mode must not set cookies")
	}
	rec = postQuestion(t, router, strPtr("segunda"), nil)
	assertStatus(t, rec, http.StatusOK)
	if got := len(completer.lastPrompt()); got != 4 {
		t.Fatalf("expected history keyed by client address, prompt had %d messages", got)
	}
}

func TestInvalidCookieIsReplaced(t *testing.T) {
	router := newTestServer(t, &mockCompleter{answer: "ok"}, cookieOptions())
	rec := doGet(router, "/", &http.Cookie{Name: "relay_session", Value: "not-a-uuid"})
	assertStatus(t, rec, http.StatusOK)
	ck := sessionCookieFrom(t, rec)
	if ck.Value == "not-a-uuid" || ck.Value == "" {
		t.Fatalf("expected a fresh token, got %q", ck.Value)
	}
}

func TestIndexAndHealth(t *testing.T) {
	router := newTestServer(t, &mockCompleter{}, Options{FrontendURL: "https://example.org/jiva"})

	rec := doGet(router, "/")
	assertStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	if !strings.Contains(body, `name="pregunta"`) || !strings.Contains(body, "https://example.org/jiva") {
		t.Fatalf("unexpected landing page:\n%s", body)
	}

	rec = doGet(router, "/healthz")
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

type failingRelay struct{}

func (failingRelay) Handle(context.Context, string, string) (relay.View, error) {
	return relay.View{}, errors.New("save session: disk full")
}

func (failingRelay) Reset(context.Context, string) error {
	return errors.New("evict session: disk full")
}

func TestStoreFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, err := NewHandler(failingRelay{}, cookieOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	router := gin.New()
	if err := h.RegisterRoutes(router); err != nil {
		t.Fatalf("register routes: %v", err)
	}

	rec := postQuestion(t, router, strPtr("hola hola"), nil)
	assertStatus(t, rec, http.StatusInternalServerError)

	rec = doGet(router, "/limpiar")
	assertStatus(t, rec, http.StatusFound)
}
