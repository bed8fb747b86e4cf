package transport

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/model"
)

// streamTokenParam carries the bearer token for EventSource clients, which
// cannot set request headers.
const streamTokenParam = "access_token"

var errUnknownKey = errors.New("unknown signing key")

// KeySet caches the identity provider's signing keys. Keys are refetched when
// the cache is older than ttl or a token names a key the cache lacks, but
// never more often than minRefresh.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	logger     *zap.Logger

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time

	fetchMu sync.Mutex
}

// NewKeySet returns a KeySet reading the JWKS document at url.
func NewKeySet(url string, ttl time.Duration, logger *zap.Logger) *KeySet {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &KeySet{
		url:        url,
		ttl:        ttl,
		minRefresh: time.Minute,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

func (ks *KeySet) cached(kid string) (crypto.PublicKey, bool, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	return key, ok, time.Since(ks.fetched) < ks.ttl
}

// Key returns the verification key named kid. A failed refresh falls back to
// a previously fetched key so an IdP outage does not log everyone out.
func (ks *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if key, ok, fresh := ks.cached(kid); ok && fresh {
		return key, nil
	}

	if err := ks.refresh(ctx); err != nil {
		if key, ok, _ := ks.cached(kid); ok {
			ks.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: %w", err)
	}

	if key, ok, _ := ks.cached(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
}

func (ks *KeySet) refresh(ctx context.Context) error {
	ks.fetchMu.Lock()
	defer ks.fetchMu.Unlock()

	ks.mu.RLock()
	recent := len(ks.keys) > 0 && time.Since(ks.fetched) < ks.minRefresh
	ks.mu.RUnlock()
	if recent {
		return nil
	}

	keys, err := ks.fetch(ctx)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.fetched = time.Now()
	ks.mu.Unlock()
	ks.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			ks.logger.Warn("skipping unreadable jwk", zap.Error(err))
			continue
		}
		if jwk.KeyID == "" || jwk.Use == "enc" || !jwk.IsPublic() || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	return keys, nil
}

// JWTAuthenticator verifies the caller's bearer token against the key set and
// the configured issuer and audience, then stores the claims in the context.
// Failures answer 401 with a reason the portal can show.
func JWTAuthenticator(cfg config.IdentityConfig, keys *KeySet) func(http.Handler) http.Handler {
	leeway := cfg.ClockSkew
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, reason := bearerToken(r)
			if raw == "" {
				WriteError(w, model.NewUnauthorizedError(reason))
				return
			}

			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("%w: token has no kid", errUnknownKey)
				}
				return keys.Key(r.Context(), kid)
			})
			if err != nil {
				reason := rejectionReason(err)
				keys.logger.Debug("token rejected", zap.String("reason", reason), zap.Error(err))
				WriteError(w, model.NewUnauthorizedError(reason))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter on event-stream requests.
func bearerToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", "Authorization header must be a bearer token"
		}
		return strings.TrimSpace(token), ""
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if token := r.URL.Query().Get(streamTokenParam); token != "" {
			return token, ""
		}
	}
	return "", "Missing authorization header"
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, errUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "Token not yet valid"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing required claims"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
