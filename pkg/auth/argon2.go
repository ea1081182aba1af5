package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP defaults): 64 MiB memory, 3 iterations,
// parallelism 4, 32-byte output.
const (
	argonMemory      = 64 * 1024
	argonIterations  = 3
	argonParallelism = 4
	argonKeyLen      = 32
	argonSaltLen     = 16
)

// HashKey hashes a plaintext key with Argon2id and returns a PHC string:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
//
// The PHC format keeps hashes interoperable with other languages' Argon2
// libraries.
func HashKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonIterations, argonMemory, argonParallelism, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyKey checks a plaintext key against an Argon2id PHC hash using a
// constant-time comparison.
func VerifyKey(key, phc string) (bool, error) {
	salt, memory, iterations, parallelism, want, err := parsePHC(phc)
	if err != nil {
		return false, fmt.Errorf("parsing hash: %w", err)
	}
	got := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func parsePHC(phc string) (salt []byte, memory, iterations uint32, parallelism uint8, hash []byte, err error) {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 {
		err = fmt.Errorf("malformed PHC string")
		return
	}
	if parts[1] != "argon2id" {
		err = fmt.Errorf("unsupported algorithm %q", parts[1])
		return
	}
	if n, scanErr := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); scanErr != nil || n != 3 {
		err = fmt.Errorf("malformed parameters %q", parts[3])
		return
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		err = fmt.Errorf("decoding salt: %w", err)
		return
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		err = fmt.Errorf("decoding hash: %w", err)
	}
	return
}

// Verifier caches Argon2id verification results. Verification is deliberately
// slow, and every worker reconnect and API request presents the same handful
// of keys, so the first check pays the cost and the rest hit the cache until
// the TTL lapses.
type Verifier struct {
	workerHash string
	apiHash    string

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// NewVerifier creates a Verifier for the configured key hashes. An empty hash
// disables that role.
func NewVerifier(workerHash, apiHash string, cacheTTL time.Duration) *Verifier {
	return &Verifier{
		workerHash: workerHash,
		apiHash:    apiHash,
		cache:      make(map[string]cacheEntry),
		ttl:        cacheTTL,
	}
}

// VerifyWorkerKey checks a key presented by a connecting worker.
func (v *Verifier) VerifyWorkerKey(key string) (bool, error) {
	if v.workerHash == "" {
		return false, fmt.Errorf("worker key not configured")
	}
	return v.cached(key, v.workerHash)
}

// VerifyAPIKey checks a key presented by an HTTP client.
func (v *Verifier) VerifyAPIKey(key string) (bool, error) {
	if v.apiHash == "" {
		return false, fmt.Errorf("API key not configured")
	}
	return v.cached(key, v.apiHash)
}

func (v *Verifier) cached(key, hash string) (bool, error) {
	// The hash is part of the cache key so rotating it invalidates entries.
	ck := key + "|" + hash

	v.mu.RLock()
	entry, ok := v.cache[ck]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.valid, nil
	}

	valid, err := VerifyKey(key, hash)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	v.cache[ck] = cacheEntry{valid: valid, expiresAt: time.Now().Add(v.ttl)}
	v.mu.Unlock()
	return valid, nil
}
