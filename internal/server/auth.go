package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/store"
)

const (
	keyPrefix     = "fs_"
	keyRandomLen  = 43
	base62Charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// MintKey generates a new API key: fs_ followed by 43 base62 characters.
func MintKey() (string, error) {
	var b strings.Builder
	b.WriteString(keyPrefix)
	max := big.NewInt(int64(len(base62Charset)))
	for i := 0; i < keyRandomLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		b.WriteByte(base62Charset[n.Int64()])
	}
	return b.String(), nil
}

// HashKey is the stored digest form of a key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// MintKeyFor creates and persists a named API key against the store the
// config points at, returning the plaintext. The caller prints it once;
// only the hash survives.
func MintKeyFor(cfg Config, name string) (string, error) {
	var st store.Store
	var err error
	switch cfg.StoreBackend {
	case "", "sqlite":
		st, err = store.OpenSQLite(filepath.Join(cfg.DataDir, "flowstate.db"))
	case "postgres":
		st, err = store.OpenPostgres(cfg.PostgresDSN)
	default:
		return "", fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	key, err := MintKey()
	if err != nil {
		return "", err
	}
	if _, err := st.CreateAPIKey(name, HashKey(key)); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	return key, nil
}

// authenticator validates bearer tokens against the env key and the
// stored key table. When neither exists the server is open.
type authenticator struct {
	envKeyHash string
	store      store.Store
	logger     *zap.Logger
}

func newAuthenticator(envKey string, st store.Store, logger *zap.Logger) *authenticator {
	a := &authenticator{store: st, logger: logger}
	if envKey != "" {
		a.envKeyHash = HashKey(envKey)
	}
	return a
}

// enabled reports whether any credential is configured.
func (a *authenticator) enabled() (bool, error) {
	if a.envKeyHash != "" {
		return true, nil
	}
	return a.store.HasAPIKeys()
}

// check validates a presented key. The digest comparison is
// constant-time; a stored-key match updates last_used out of band.
func (a *authenticator) check(key string) (bool, error) {
	hash := HashKey(key)

	if a.envKeyHash != "" &&
		subtle.ConstantTimeCompare([]byte(hash), []byte(a.envKeyHash)) == 1 {
		return true, nil
	}

	stored, err := a.store.FindKeyByHash(hash)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(stored.KeyHash)) == 1 {
		go func(id string) {
			if err := a.store.TouchKey(id); err != nil {
				a.logger.Warn("touch api key", zap.Error(err))
			}
		}(stored.ID)
		return true, nil
	}
	return false, nil
}

// middleware enforces bearer auth on every route it wraps.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enabled, err := a.enabled()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "auth check failed")
			return
		}
		if !enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		valid, err := a.check(token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "auth check failed")
			return
		}
		if !valid {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
