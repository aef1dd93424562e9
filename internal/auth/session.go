package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates that no session token was supplied.
	ErrMissingToken = errors.New("auth: session token is required")
	// ErrMalformedToken indicates that the session token could not be parsed.
	ErrMalformedToken = errors.New("auth: session token is malformed")
	// ErrSessionExpired indicates that the session token expiry has passed.
	ErrSessionExpired = errors.New("auth: session expired")
)

// SessionClaims carries the subset of backend token claims the sync core needs.
// The backend signs and verifies tokens; the client only inspects them, so the
// token is parsed without signature verification.
type SessionClaims struct {
	CompanyID string `json:"company_id"`
	jwt.RegisteredClaims
}

// SessionConfig configures a client session.
type SessionConfig struct {
	Token string
	Clock func() time.Time
}

// Session holds the backend credential presented on every remote call and the
// viewer scope used to filter broadcast events. Teardown callbacks fire exactly
// once when the backend rejects the credential.
type Session struct {
	token  string
	claims SessionClaims
	clock  func() time.Time

	mu        sync.Mutex
	tornDown  bool
	callbacks []func()
}

// NewSession parses the supplied token and returns a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrMissingToken
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	claims := SessionClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, ErrMalformedToken
	}

	return &Session{
		token:  token,
		claims: claims,
		clock:  clock,
	}, nil
}

// Token returns the raw bearer token.
func (s *Session) Token() string {
	return s.token
}

// Subject returns the authenticated user identifier.
func (s *Session) Subject() string {
	return s.claims.Subject
}

// CompanyID returns the viewer's company scope claim.
func (s *Session) CompanyID() string {
	return s.claims.CompanyID
}

// Valid reports whether the token expiry, if present, has not passed.
func (s *Session) Valid() error {
	if s.claims.ExpiresAt == nil {
		return nil
	}
	if s.clock().After(s.claims.ExpiresAt.Time) {
		return ErrSessionExpired
	}
	return nil
}

// OnTeardown registers a callback invoked when the session is torn down.
func (s *Session) OnTeardown(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

// Teardown marks the session invalid and fires registered callbacks. Safe to
// call more than once; callbacks run only on the first call.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	callbacks := append([]func(){}, s.callbacks...)
	s.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}

// TornDown reports whether Teardown has been invoked.
func (s *Session) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}
