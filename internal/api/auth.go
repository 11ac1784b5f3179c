// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/existential-birds/amelia/internal/httputil"
)

// AuthConfig configures the optional bearer-token gate on mutating API
// routes. A zero-value AuthConfig (no Secret) disables auth entirely: the
// daemon is designed to run on localhost with no exposed network surface
// unless an operator opts in.
type AuthConfig struct {
	Secret []byte
	Issuer string
}

// Enabled reports whether a signing secret has been configured.
func (c AuthConfig) Enabled() bool { return len(c.Secret) > 0 }

// claims is the JWT payload amelia issues and validates.
type claims struct {
	jwt.RegisteredClaims
}

// ValidateToken parses and validates tokenString against cfg, returning an
// error if it is missing, malformed, expired, or signed by the wrong key.
func ValidateToken(tokenString string, cfg AuthConfig) (*claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(5 * time.Second))
	token, err := parser.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	c, ok := token.Claims.(*claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if cfg.Issuer != "" && c.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	return c, nil
}

// IssueToken signs a bearer token for cfg's secret, valid for ttl.
func IssueToken(cfg AuthConfig, ttl time.Duration) (string, error) {
	if !cfg.Enabled() {
		return "", fmt.Errorf("auth is not configured")
	}
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(cfg.Secret)
}

// AuthMiddleware rejects requests without a valid "Authorization: Bearer
// <token>" header. When cfg is not Enabled, it is a no-op passthrough.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				httputil.WriteErrorStatus(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			if _, err := ValidateToken(tokenString, cfg); err != nil {
				httputil.WriteErrorStatus(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
