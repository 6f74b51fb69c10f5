package api

import (
	"os"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskhub/domain"
)

const (
	envLocalAuthMode   = "LOCAL_AUTH_MODE"
	envLocalAuthSecret = "LOCAL_AUTH_SHARED_SECRET"
)

// Auth verifies the JWT credentials presented by HTTP and websocket
// clients. In production mode tokens are RS256 signed against the JWKS; in
// local mode (LOCAL_AUTH_MODE=hs256) tokens are HS256 signed with a shared
// secret and Issue can mint them.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string

	local  bool
	secret []byte
	parser *jwt.Parser
}

// NewAuth creates an Auth instance. Panics on inconsistent local-mode env
// config, same as any other fatal startup misconfiguration.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}
	switch mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode {
	case "":
	case "hs256":
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			panic("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.local = true
		a.secret = []byte(secret)
	default:
		panic("unsupported LOCAL_AUTH_MODE value")
	}
	if a.local {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// IdentityFromAuthHeader extracts the caller identity from an Authorization
// header.
func (a *Auth) IdentityFromAuthHeader(h string) (domain.Identity, error) {
	if h == "" {
		return domain.Identity{}, domain.AuthenticationError{Msg: "missing authorization header"}
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return domain.Identity{}, domain.AuthenticationError{Msg: "bad auth header"}
	}
	return a.VerifyToken(parts[1])
}

// VerifyToken validates a bearer token and returns the identity it carries.
func (a *Auth) VerifyToken(tokenStr string) (domain.Identity, error) {
	if tokenStr == "" {
		return domain.Identity{}, domain.AuthenticationError{Msg: "missing credential"}
	}
	if strings.Count(tokenStr, ".") != 2 {
		return domain.Identity{}, domain.AuthenticationError{Msg: "malformed credential"}
	}

	var token *jwt.Token
	var err error
	if a.local {
		token, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, domain.AuthenticationError{Msg: "invalid signing method"}
			}
			return a.secret, nil
		})
	} else {
		token, err = a.parser.Parse(tokenStr, a.JWKS.Keyfunc)
	}
	if err != nil {
		return domain.Identity{}, domain.AuthenticationError{Msg: err.Error()}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, domain.AuthenticationError{Msg: "invalid claims"}
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return domain.Identity{}, domain.AuthenticationError{Msg: "token expired"}
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.Identity{}, domain.AuthenticationError{Msg: "token not valid yet"}
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return domain.Identity{}, domain.AuthenticationError{Msg: "invalid audience"}
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return domain.Identity{}, domain.AuthenticationError{Msg: "invalid issuer"}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Identity{}, domain.AuthenticationError{Msg: "missing sub"}
	}
	label, _ := claims["name"].(string)
	if label == "" {
		label = sub
	}
	return domain.Identity{ID: sub, Label: label}, nil
}

// Issue mints an HS256 token for the given identity. Only available in
// local mode; production tokens come from the external identity provider.
func (a *Auth) Issue(identityID, label string, ttl time.Duration) (string, error) {
	if !a.local {
		return "", domain.AuthenticationError{Msg: "token issuing requires local auth mode"}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  identityID,
		"name": label,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if a.Audience != "" {
		claims["aud"] = a.Audience
	}
	if a.Issuer != "" {
		claims["iss"] = a.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
