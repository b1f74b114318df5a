// Package auth manages the bridge's bearer token credential file.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const tokenFile = "token.json"

type tokenRecord struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is a loaded bearer credential.
type Token struct {
	value string
}

// LoadOrCreate returns the token stored under dir, generating and
// persisting a fresh one on first run. The file is written 0600: the
// token is the only thing standing between the editor and the bridge.
func LoadOrCreate(dir string) (*Token, error) {
	path := filepath.Join(dir, tokenFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var rec tokenRecord
		if err := json.Unmarshal(data, &rec); err == nil && rec.Token != "" {
			return &Token{value: rec.Token}, nil
		}
		// Unreadable record falls through to regeneration.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	return Rotate(dir)
}

// Rotate generates a new token and overwrites the credential file.
func Rotate(dir string) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tokenRecord{Token: value, CreatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, tokenFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write token file: %w", err)
	}
	return &Token{value: value}, nil
}

// Verify reports whether the presented credential matches, in constant
// time.
func (t *Token) Verify(presented string) bool {
	if t == nil || t.value == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(presented)) == 1
}

// Hint returns the last four characters of the token, enough for a
// client to confirm it loaded the right credential file without the
// bridge ever echoing the full secret.
func (t *Token) Hint() string {
	if t == nil || len(t.value) < 4 {
		return ""
	}
	return t.value[len(t.value)-4:]
}

// Value returns the full token. Used by the CLI `token` command only.
func (t *Token) Value() string {
	if t == nil {
		return ""
	}
	return t.value
}
