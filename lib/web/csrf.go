package web

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"
)

const (
	// CSRFHeaderName carries the token on state-changing requests.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFCookieName is the cookie the token is also set in, for scripts.
	CSRFCookieName = "csrf_token"
	// CSRFTokenExpiry is how long an issued token is accepted.
	CSRFTokenExpiry = 12 * time.Hour

	csrfTokenBytes = 32
)

var (
	ErrCSRFTokenMissing = errors.New("csrf: token missing")
	ErrCSRFTokenInvalid = errors.New("csrf: token invalid")
	ErrCSRFTokenExpired = errors.New("csrf: token expired")
)

// CSRFManager issues tokens and checks them on unsafe requests. Only a
// SHA-256 digest of each token is kept, so lookups do not compare secrets
// byte by byte. Tokens may be reused until they expire.
type CSRFManager struct {
	mu     sync.Mutex
	issued map[[sha256.Size]byte]time.Time
	now    func() time.Time
}

func NewCSRFManager() *CSRFManager {
	return &CSRFManager{
		issued: make(map[[sha256.Size]byte]time.Time),
		now:    time.Now,
	}
}

// GenerateToken issues a new random token.
func (m *CSRFManager) GenerateToken() (string, error) {
	raw := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(raw)

	m.mu.Lock()
	m.issued[sha256.Sum256([]byte(token))] = m.now()
	m.mu.Unlock()
	return token, nil
}

// ValidateToken returns nil for a token issued less than CSRFTokenExpiry ago.
func (m *CSRFManager) ValidateToken(token string) error {
	if token == "" {
		return ErrCSRFTokenMissing
	}

	m.mu.Lock()
	issuedAt, ok := m.issued[sha256.Sum256([]byte(token))]
	now := m.now()
	m.mu.Unlock()

	switch {
	case !ok:
		return ErrCSRFTokenInvalid
	case now.Sub(issuedAt) > CSRFTokenExpiry:
		return ErrCSRFTokenExpired
	}
	return nil
}

// Cleanup forgets expired tokens and returns how many were dropped.
func (m *CSRFManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for digest, issuedAt := range m.issued {
		if now.Sub(issuedAt) > CSRFTokenExpiry {
			delete(m.issued, digest)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *CSRFManager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Cleanup(); n > 0 {
				log.WithField("removed", n).Debug("expired csrf tokens dropped")
			}
		}
	}
}

// TokenCount returns the number of tokens still remembered.
func (m *CSRFManager) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

// CSRFMiddleware lets safe methods through and requires a valid token in
// the X-CSRF-Token header on everything else.
func (m *CSRFManager) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		if err := m.ValidateToken(r.Header.Get(CSRFHeaderName)); err != nil {
			log.WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithError(err).
				Warn("csrf check failed")
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetCSRFCookie mirrors token into a same-site cookie scripts can read.
func SetCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(CSRFTokenExpiry.Seconds()),
	})
}
