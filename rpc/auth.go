package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"podescrow/crypto"
)

// AuthConfig controls bearer token verification. When Enabled is false the
// caller is taken from the request's "caller" parameter, which is only
// suitable for local development.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator resolves the calling principal from an HS256 JWT whose
// subject is a bech32 ledger address.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Enabled reports whether requests must carry a bearer token.
func (a *Authenticator) Enabled() bool { return a != nil && a.cfg.Enabled }

// Principal validates the bearer token on r and returns its subject address.
func (a *Authenticator) Principal(r *http.Request) ([20]byte, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return [20]byte{}, errors.New("missing bearer token")
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return [20]byte{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return [20]byte{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return [20]byte{}, errors.New("token subject required")
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(subject))
	if err != nil {
		return [20]byte{}, errors.New("token subject is not a ledger address")
	}
	return addr, nil
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
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
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

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// IssueToken signs an HS256 token naming subject as the caller.
func IssueToken(secret string, subject [20]byte, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   crypto.FormatAddress(subject),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

type callerParam struct {
	Caller string `json:"caller"`
}

// requireAuth returns the principal for a mutating call. With auth enabled
// an explicit "caller" parameter must match the token subject.
func (s *Server) requireAuth(r *http.Request, req *RPCRequest) ([20]byte, *RPCError) {
	var declared string
	if len(req.Params) > 0 {
		var params callerParam
		if err := json.Unmarshal(req.Params[0], &params); err == nil {
			declared = strings.TrimSpace(params.Caller)
		}
	}
	if !s.auth.Enabled() {
		if declared == "" {
			return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "caller parameter required when authentication is disabled"}
		}
		addr, err := crypto.ParseAddress(declared)
		if err != nil {
			return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "invalid caller", Data: err.Error()}
		}
		return addr, nil
	}
	principal, err := s.auth.Principal(r)
	if err != nil {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials", Data: err.Error()}
	}
	if declared != "" {
		addr, parseErr := crypto.ParseAddress(declared)
		if parseErr != nil || addr != principal {
			return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "caller does not match token subject"}
		}
	}
	return principal, nil
}
