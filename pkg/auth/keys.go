// Package auth generates and verifies the hub's shared keys.
//
// Two key roles exist:
//   - Worker key (wkr_ prefix): workers present it when connecting to the
//     worker WebSocket endpoint.
//   - API key (api_ prefix): HTTP clients present it on the agent API.
//
// Keys are random, shown once at generation time, and stored only as
// Argon2id hashes.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	PrefixWorker = "wkr_"
	PrefixAPI    = "api_"
)

// GeneratedKey pairs a freshly generated plaintext key with its stored hash.
type GeneratedKey struct {
	Key  string // plaintext, show once then discard
	Hash string // Argon2id PHC string, goes in the env
}

// GenerateWorkerKey creates a key for worker connection authentication.
func GenerateWorkerKey() (*GeneratedKey, error) {
	return generate(PrefixWorker)
}

// GenerateAPIKey creates a key for HTTP API authentication.
func GenerateAPIKey() (*GeneratedKey, error) {
	return generate(PrefixAPI)
}

func generate(prefix string) (*GeneratedKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	key := prefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// KeyRole returns the prefix identifying a key's role.
func KeyRole(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, PrefixWorker):
		return PrefixWorker, nil
	case strings.HasPrefix(key, PrefixAPI):
		return PrefixAPI, nil
	default:
		return "", fmt.Errorf("key must start with %q or %q", PrefixWorker, PrefixAPI)
	}
}
