package rpc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AuthTokenLength is the length of auth tokens in bytes.
const AuthTokenLength = 32

// authToken is the secret TCP clients present with the "auth" method. It is
// stored hex-encoded, readable only by the owner.
type authToken []byte

// loadAuthToken reads the token at path, replacing a missing or malformed
// file with a fresh random token.
func loadAuthToken(path string) (authToken, error) {
	if data, err := os.ReadFile(path); err == nil {
		tok, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(tok) == AuthTokenLength {
			log.WithField("path", path).Debug("loaded auth token")
			return tok, nil
		}
		log.WithField("path", path).Warn("auth token file is malformed, replacing it")
	}

	tok := make(authToken, AuthTokenLength)
	if _, err := rand.Read(tok); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok.String()), 0o600); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	log.WithField("path", path).Info("generated auth token")
	return tok, nil
}

// matches compares a hex-encoded candidate in constant time.
func (t authToken) matches(candidate string) (bool, error) {
	raw, err := hex.DecodeString(candidate)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(raw, t) == 1, nil
}

func (t authToken) String() string {
	return hex.EncodeToString(t)
}
