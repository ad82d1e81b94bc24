package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/forgegate/hub/internal/middleware"
)

// Operator keys gate the expert endpoints. A full key is
// "fg_<key id>.<secret>"; only the bcrypt hash of the secret is kept,
// the id is the lookup handle.
const keyPrefix = "fg_"

var errBadOperatorKey = errors.New("invalid operator key")

// OperatorKeys is the in-memory credential table for human validators.
// With no keys registered every expert call is rejected; the daemon
// issues a bootstrap key at startup when the config carries none.
type OperatorKeys struct {
	mu     sync.RWMutex
	hashes map[string]string // key id -> bcrypt hash of the secret
}

func NewOperatorKeys() *OperatorKeys {
	return &OperatorKeys{hashes: make(map[string]string)}
}

// Issue mints a new key and returns the full credential. The secret is
// shown exactly once; only its hash survives.
func (k *OperatorKeys) Issue(keyID string) (string, error) {
	if keyID == "" {
		return "", errors.New("operator key id is required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate operator secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	k.hashes[keyID] = string(hash)
	k.mu.Unlock()
	return fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret), nil
}

// AddHash registers a pre-hashed credential, for keys carried in config.
func (k *OperatorKeys) AddHash(keyID, bcryptHash string) {
	k.mu.Lock()
	k.hashes[keyID] = bcryptHash
	k.mu.Unlock()
}

// Revoke removes a key.
func (k *OperatorKeys) Revoke(keyID string) {
	k.mu.Lock()
	delete(k.hashes, keyID)
	k.mu.Unlock()
}

// Len reports how many keys are registered.
func (k *OperatorKeys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.hashes)
}

// Verify checks a full key and returns its id. Parse failures and
// unknown ids share one error so probes learn nothing.
func (k *OperatorKeys) Verify(fullKey string) (string, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return "", errBadOperatorKey
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errBadOperatorKey
	}
	keyID, secret := parts[0], parts[1]

	k.mu.RLock()
	hash, ok := k.hashes[keyID]
	k.mu.RUnlock()
	if !ok {
		return "", errBadOperatorKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", errBadOperatorKey
	}
	return keyID, nil
}

type operatorCtxKey struct{}

func contextWithOperator(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, operatorCtxKey{}, keyID)
}

// OperatorID returns the verified key id put in context by
// requireOperator, empty outside guarded handlers.
func OperatorID(r *http.Request) string {
	if v, ok := r.Context().Value(operatorCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// requireOperator guards expert endpoints with a bearer operator key
// and records the verified id in the request context.
func (s *Server) requireOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		keyID, err := s.keys.Verify(token)
		if err != nil {
			s.logger.Printf("operator auth rejected from agent %s", middleware.AgentID(r.Context()))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "operator credentials required"})
			return
		}
		ctx := r.Context()
		next(w, r.WithContext(contextWithOperator(ctx, keyID)))
	})
}
