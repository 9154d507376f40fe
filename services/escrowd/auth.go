package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"givechain/observability/logging"
	"givechain/services/escrowd/config"
)

// Role is an authorization role carried in the bearer token.
type Role string

const (
	RoleDonor     Role = "donor"
	RoleNGO       Role = "ngo"
	RoleValidator Role = "validator"
	RoleAdmin     Role = "admin"
)

// Principal is the authenticated caller. The token subject is the caller's
// address; NGO, donor and validator operations act on behalf of it.
type Principal struct {
	Subject string
	Address common.Address
	Roles   []Role
}

// Has reports whether the principal holds any of the roles. An empty list
// accepts every authenticated principal.
func (p *Principal) Has(roles ...Role) bool {
	if p == nil {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type contextKey string

const contextKeyPrincipal contextKey = "escrowd.principal"

// Dev-mode identity headers, honoured only when auth is disabled.
const (
	headerDevAddress = "X-Give-Address"
	headerDevRoles   = "X-Give-Roles"
)

// PrincipalFrom extracts the authenticated principal from the context.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	return p, ok && p != nil
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// Authenticator resolves bearer tokens into principals. Requests without an
// Authorization header continue anonymously; RequireRole decides whether
// that is acceptable.
type Authenticator struct {
	cfg    config.AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "roles"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			if p := devPrincipal(r); p != nil {
				r = r.WithContext(withPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(header)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "malformed authorization header")
			return
		}
		claims, err := a.parseToken(tokenString)
		if err != nil {
			a.logger.Warn("auth: token validation failed", slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
			a.logger.Warn("auth: claim validation failed", slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		principal, err := principalFromClaims(claims, a.cfg.RoleClaim)
		if err != nil {
			subject, _ := claims["sub"].(string)
			a.logger.Warn("auth: unusable subject", logging.MaskField("subject", subject), slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// RequireRole rejects anonymous callers with 401 and callers lacking every
// listed role with 403.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			if !principal.Has(roles...) {
				writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func principalFromClaims(claims jwt.MapClaims, roleClaim string) (*Principal, error) {
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if !common.IsHexAddress(subject) {
		return nil, errors.New("token subject must be an address")
	}
	roles := parseRoles(claims[roleClaim])
	if len(roles) == 0 {
		return nil, errors.New("token carries no roles")
	}
	return &Principal{Subject: subject, Address: common.HexToAddress(subject), Roles: roles}, nil
}

func parseRoles(raw interface{}) []Role {
	var values []string
	switch v := raw.(type) {
	case string:
		values = strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' })
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				values = append(values, s)
			}
		}
	}
	out := make([]Role, 0, len(values))
	for _, value := range values {
		switch role := Role(strings.ToLower(strings.TrimSpace(value))); role {
		case RoleDonor, RoleNGO, RoleValidator, RoleAdmin:
			out = append(out, role)
		}
	}
	return out
}

func devPrincipal(r *http.Request) *Principal {
	subject := strings.TrimSpace(r.Header.Get(headerDevAddress))
	if !common.IsHexAddress(subject) {
		return nil
	}
	roles := parseRoles(r.Header.Get(headerDevRoles))
	if len(roles) == 0 {
		return nil
	}
	return &Principal{Subject: subject, Address: common.HexToAddress(subject), Roles: roles}
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
