// Package authtest is an in-process fake of the authentication backend the
// client talks to. It implements every endpoint the client consumes, keeps
// real rotating refresh tokens and signed access tokens, and exposes hooks to
// inject the failure modes the client must survive.
package authtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "authtest"

// Failure is a canned error response.
type Failure struct {
	Status  int
	Message string
}

// Hooks alter backend behaviour. Change them with Backend.SetHooks.
type Hooks struct {
	// Down makes /health answer 503.
	Down bool

	// RefreshDelay holds every /refresh call open before answering.
	RefreshDelay time.Duration
	// RefreshFailure makes /refresh answer with this failure.
	RefreshFailure *Failure
	// RefreshUserID replaces the userId in /refresh responses.
	RefreshUserID string
	// RefreshTokenField answers with "token" instead of "accessToken".
	RefreshTokenField bool
	// RefreshNoRotate returns the session's current credentials unchanged.
	RefreshNoRotate bool
	// RefreshDropConnection aborts /refresh without any response.
	RefreshDropConnection bool

	// LookupFailure makes /sessions/current-refresh-token fail.
	LookupFailure *Failure

	// LoginUserID replaces the userId in /login responses.
	LoginUserID string
}

type user struct {
	id           string
	email        string
	passwordHash string
	username     string
	fullName     string
}

// passwordParams trade strength for test speed.
var passwordParams = cryptox.PasswordParams{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type session struct {
	id           string
	userID       string
	accessToken  string
	refreshToken string
	device       string
	address      string
	lastUsedAt   time.Time
	revoked      bool
}

// Backend is safe for concurrent use.
type Backend struct {
	Server *httptest.Server

	key []byte

	mu        sync.Mutex
	accessTTL time.Duration
	hooks     Hooks
	users    map[string]*user // by email
	sessions map[string]*session
	counts   map[string]int // by route pattern
}

// New starts a backend and shuts it down when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		accessTTL: 15 * time.Minute,
		key:       []byte(cryptox.RandomToken(cryptox.TokenSize256)),
		users:     make(map[string]*user),
		sessions:  make(map[string]*session),
		counts:    make(map[string]int),
	}
	b.Server = httptest.NewServer(b.routes())
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the backend base URL.
func (b *Backend) URL() string { return b.Server.URL }

// SetHooks changes failure injection under the backend lock.
func (b *Backend) SetHooks(fn func(h *Hooks)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.hooks)
}

// SetAccessTTL changes the lifetime of access tokens minted from now on.
// The default is 15 minutes.
func (b *Backend) SetAccessTTL(ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessTTL = ttl
}

// AddUser registers a user and returns its id.
func (b *Backend) AddUser(email, password, username, fullName string) string {
	hash, err := cryptox.HashPassword(password, passwordParams)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	u := &user{
		id:           uuid.NewString(),
		email:        email,
		passwordHash: hash,
		username:     username,
		fullName:     fullName,
	}
	b.users[email] = u
	return u.id
}

// Calls returns how many times a route pattern (e.g. "POST /refresh") was hit.
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[route]
}

// Refreshes is shorthand for Calls("POST /refresh").
func (b *Backend) Refreshes() int { return b.Calls("POST /refresh") }

// CurrentRefreshToken returns the live refresh token of the session holding
// accessToken, or "".
func (b *Backend) CurrentRefreshToken(accessToken string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.accessToken == accessToken && !s.revoked {
			return s.refreshToken
		}
	}
	return ""
}

// ActiveSessions counts non-revoked sessions.
func (b *Backend) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		if !s.revoked {
			n++
		}
	}
	return n
}

// OpenSession creates a session for email directly, as if another device had
// logged in, and returns its access and refresh tokens.
func (b *Backend) OpenSession(email, device string) (accessToken, refreshToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.users[email]
	if u == nil {
		panic("authtest: unknown user " + email)
	}
	s := b.newSessionLocked(u, device, "")
	return s.accessToken, s.refreshToken
}

// Mint signs an access token for subject with the backend key. Tokens minted
// here are not tied to a session and are rejected by protected endpoints.
func (b *Backend) Mint(subject string, ttl time.Duration) string {
	claims := jwtx.NewAccessClaims(subject, "", "", ttl, issuer, time.Now())
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
	if err != nil {
		panic(err)
	}
	return token
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(b.count)

	r.Get("/health", b.handleHealth)
	r.Post("/login", b.handleLogin)
	r.Post("/refresh", b.handleRefresh)
	r.Post("/logout", b.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(b.authenticate)

		r.Post("/validate", b.handleValidate)
		r.Get("/sessions/current-refresh-token", b.handleCurrentRefreshToken)
		r.Get("/sessions", b.handleListSessions)
		r.Post("/sessions/logout", b.handleRevokeSession)
		r.Post("/sessions/logout-all-other", b.handleRevokeOthers)
		r.Get("/profile", b.handleProfile)
	})

	// /status/{code} answers with the given status, for error mapping tests.
	r.Get("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(chi.URLParam(r, "code"))
		httpx.WriteEnvelope(w, code, http.StatusText(code), nil)
	})

	return r
}

// count records hits per "METHOD /path".
func (b *Backend) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.counts[r.Method+" "+r.URL.Path]++
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type ctxKey struct{}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			httpx.WriteEnvelope(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}

		var claims jwtx.Claims
		if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return b.key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		); err != nil {
			httpx.WriteEnvelope(w, http.StatusUnauthorized, "invalid or expired token", nil)
			return
		}

		b.mu.Lock()
		var found *session
		for _, s := range b.sessions {
			if s.accessToken == token && !s.revoked {
				found = s
				break
			}
		}
		if found != nil {
			found.lastUsedAt = time.Now().UTC()
		}
		b.mu.Unlock()

		if found == nil {
			httpx.WriteEnvelope(w, http.StatusUnauthorized, "session is no longer active", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, found.id)))
	})
}

func (b *Backend) handleHealth(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	down := b.hooks.Down
	b.mu.Unlock()

	if down {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email            string `json:"email"`
		Password         string `json:"password"`
		DeviceDescriptor string `json:"deviceDescriptor"`
		NetworkAddress   string `json:"networkAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteEnvelope(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.users[req.Email]
	if u == nil || cryptox.VerifyPassword(req.Password, u.passwordHash) != nil {
		httpx.WriteEnvelope(w, http.StatusUnauthorized, "invalid email or password", nil)
		return
	}

	s := b.newSessionLocked(u, req.DeviceDescriptor, req.NetworkAddress)
	userID := u.id
	if b.hooks.LoginUserID != "" {
		userID = b.hooks.LoginUserID
	}

	httpx.WriteEnvelope(w, http.StatusOK, "login successful", map[string]any{
		"accessToken":  s.accessToken,
		"refreshToken": s.refreshToken,
		"userId":       userID,
		"email":        u.email,
		"username":     u.username,
		"fullName":     u.fullName,
		"expiresIn":    int(b.accessTTL.Seconds()),
	})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteEnvelope(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	b.mu.Lock()
	hooks := b.hooks
	b.mu.Unlock()

	if hooks.RefreshDelay > 0 {
		select {
		case <-time.After(hooks.RefreshDelay):
		case <-r.Context().Done():
			return
		}
	}

	if hooks.RefreshDropConnection {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}

	if f := hooks.RefreshFailure; f != nil {
		httpx.WriteEnvelope(w, f.Status, f.Message, nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sessionByRefreshLocked(req.RefreshToken)
	if s == nil {
		httpx.WriteEnvelope(w, http.StatusBadRequest, "invalid refresh token", nil)
		return
	}

	var u *user
	for _, candidate := range b.users {
		if candidate.id == s.userID {
			u = candidate
		}
	}

	if !hooks.RefreshNoRotate {
		s.accessToken = b.Mint(s.userID, b.accessTTL)
		s.refreshToken = cryptox.RandomToken(cryptox.TokenSize256)
	}
	s.lastUsedAt = time.Now().UTC()

	userID := s.userID
	if hooks.RefreshUserID != "" {
		userID = hooks.RefreshUserID
	}

	accessField := "accessToken"
	if hooks.RefreshTokenField {
		accessField = "token"
	}

	httpx.WriteEnvelope(w, http.StatusOK, "token refreshed", map[string]any{
		accessField:    s.accessToken,
		"refreshToken": s.refreshToken,
		"userId":       userID,
		"email":        u.email,
		"username":     u.username,
		"fullName":     u.fullName,
	})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteEnvelope(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.sessionByRefreshLocked(req.RefreshToken); s != nil {
		s.revoked = true
	}
	httpx.WriteEnvelope(w, http.StatusOK, "logged out", map[string]any{})
}

func (b *Backend) handleValidate(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteEnvelope(w, http.StatusOK, "", map[string]bool{"valid": true})
}

func (b *Backend) handleCurrentRefreshToken(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f := b.hooks.LookupFailure; f != nil {
		httpx.WriteEnvelope(w, f.Status, f.Message, nil)
		return
	}

	s := b.sessions[sessionID(r)]
	httpx.WriteEnvelope(w, http.StatusOK, "", map[string]string{"refreshToken": s.refreshToken})
}

func (b *Backend) handleListSessions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.sessions[sessionID(r)]
	out := make([]map[string]any, 0)
	for _, s := range b.sessions {
		if s.userID != current.userID || s.revoked {
			continue
		}
		out = append(out, map[string]any{
			"id":               s.id,
			"deviceDescriptor": s.device,
			"networkAddress":   s.address,
			"lastUsedAt":       s.lastUsedAt.Format(time.RFC3339),
			"isCurrentSession": s.id == current.id,
		})
	}
	httpx.WriteEnvelope(w, http.StatusOK, "", out)
}

func (b *Backend) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		httpx.WriteEnvelope(w, http.StatusBadRequest, "sessionId is required", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.sessions[sessionID(r)]
	target := b.sessions[req.SessionID]
	if target == nil || target.userID != current.userID || target.revoked {
		httpx.WriteEnvelope(w, http.StatusNotFound, "session not found", nil)
		return
	}
	target.revoked = true
	httpx.WriteEnvelope(w, http.StatusOK, "session revoked", map[string]any{})
}

func (b *Backend) handleRevokeOthers(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.sessions[sessionID(r)]
	for _, s := range b.sessions {
		if s.userID == current.userID && s.id != current.id {
			s.revoked = true
		}
	}
	httpx.WriteEnvelope(w, http.StatusOK, "other sessions revoked", map[string]any{})
}

func (b *Backend) handleProfile(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sessions[sessionID(r)]
	httpx.WriteEnvelope(w, http.StatusOK, "", map[string]string{"userId": s.userID})
}

func (b *Backend) newSessionLocked(u *user, device, address string) *session {
	s := &session{
		id:           uuid.NewString(),
		userID:       u.id,
		accessToken:  b.Mint(u.id, b.accessTTL),
		refreshToken: cryptox.RandomToken(cryptox.TokenSize256),
		device:       device,
		address:      address,
		lastUsedAt:   time.Now().UTC(),
	}
	b.sessions[s.id] = s
	return s
}

func (b *Backend) sessionByRefreshLocked(token string) *session {
	if token == "" {
		return nil
	}
	for _, s := range b.sessions {
		if s.refreshToken == token && !s.revoked {
			return s
		}
	}
	return nil
}

func sessionID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}
