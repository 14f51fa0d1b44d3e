package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthLevel defines how strictly authentication is enforced on a path.
type AuthLevel int

const (
	// AuthLevelOptional lets anonymous requests through; a presented token
	// must still be valid.
	AuthLevelOptional AuthLevel = iota
	// AuthLevelRecommended requires a token when auth is enabled.
	AuthLevelRecommended
	// AuthLevelForced always requires a valid token.
	AuthLevelForced
)

type AuthConfig struct {
	Enabled bool
	APIKeys []string
	Logger  *slog.Logger
	// PathLevels maps exact request paths to their level. Other paths use
	// AuthLevelRecommended.
	PathLevels map[string]AuthLevel
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		PathLevels: map[string]AuthLevel{
			"/health": AuthLevelOptional,
		},
	}
}

// Auth enforces "Authorization: Bearer <key>" according to cfg. Write
// methods never drop below AuthLevelRecommended.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level, ok := cfg.PathLevels[r.URL.Path]
			if !ok {
				level = AuthLevelRecommended
			}
			if isWriteMethod(r.Method) && level < AuthLevelRecommended {
				level = AuthLevelRecommended
			}

			token := extractBearerToken(r)
			var reason string
			switch {
			case level == AuthLevelOptional && token == "":
			case level == AuthLevelRecommended && !cfg.Enabled:
			case token == "":
				reason = "authentication required"
			case !validToken(token, keys):
				reason = "invalid API key"
			}
			if reason != "" {
				if cfg.Logger != nil {
					cfg.Logger.Warn("auth rejected",
						slog.String("reason", reason),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="gametrans"`)
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// validToken fails closed when no keys are configured.
func validToken(token string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			return true
		}
	}
	return false
}
