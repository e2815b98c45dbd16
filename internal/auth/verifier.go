// Package auth verifies caller bearer tokens. Two modes are supported: a
// remote verification call against the external auth service, and local
// JWT verification for deployments that share the signing secret. The core
// never issues tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that fails verification.
var ErrUnauthorized = errors.New("unauthorized")

// Claims are the verified caller identity fields consumed by the core.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// IsAdmin reports whether the caller holds the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == "admin" }

// Verifier validates a bearer token and extracts its claims.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*Claims, error)
}

// RemoteVerifier checks tokens against the external auth service's
// verification endpoint.
type RemoteVerifier struct {
	verifyURL string
	client    *http.Client
}

// NewRemoteVerifier creates a RemoteVerifier for the given verification
// endpoint. timeout bounds each call; zero means 5 s.
func NewRemoteVerifier(verifyURL string, timeout time.Duration) *RemoteVerifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RemoteVerifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// Verify calls the auth service with the caller's bearer and returns the
// verified claims. Any non-2xx response maps to ErrUnauthorized; transport
// failures are reported as such so callers can distinguish an outage from
// a bad token.
func (v *RemoteVerifier) Verify(ctx context.Context, bearer string) (*Claims, error) {
	if bearer == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: auth service returned HTTP %d", ErrUnauthorized, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: verify response missing user_id", ErrUnauthorized)
	}
	return &claims, nil
}

// jwtClaims is the expected token payload for local verification.
type jwtClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// JWTVerifier validates HMAC-signed tokens locally using a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a JWTVerifier. issuer is optional; when set the
// token's iss claim must match.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify parses and validates the token, returning its claims.
func (v *JWTVerifier) Verify(_ context.Context, bearer string) (*Claims, error) {
	if bearer == "" {
		return nil, ErrUnauthorized
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(
		bearer,
		&jwtClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.secret, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token missing user identity", ErrUnauthorized)
	}
	return &Claims{UserID: userID, Role: claims.Role}, nil
}
