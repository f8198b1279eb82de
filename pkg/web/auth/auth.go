// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package auth implements http basic authentication for a single account.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"shmrelay/pkg/log"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// Authenticator blocks requests without valid credentials. Only the
// bcrypt hash of the password is kept.
type Authenticator struct {
	username  string
	password  []byte // Hashed password.
	authCache map[string]bool

	hashCost int

	log *log.Logger
	mu  sync.Mutex
}

// NewAuthenticator returns an authenticator, an empty username
// disables authentication.
func NewAuthenticator(username string, passwordHash string, logger *log.Logger) *Authenticator {
	return &Authenticator{
		username:  username,
		password:  []byte(passwordHash),
		authCache: make(map[string]bool),

		hashCost: DefaultBcryptHashCost,
		log:      logger,
	}
}

// HashPassword returns the bcrypt hash of a plain text password.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), DefaultBcryptHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthDisabled if all requests should be allowed.
func (a *Authenticator) AuthDisabled() bool {
	return a.username == ""
}

// ValidateRequest Should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Authenticator) ValidateRequest(r *http.Request) bool {
	if a.AuthDisabled() {
		return true
	}

	req := r.Header.Get("Authorization")
	a.mu.Lock()
	if valid, cacheExist := a.authCache[req]; cacheExist {
		a.mu.Unlock()
		return valid
	}
	a.mu.Unlock()

	name, pass := parseBasicAuth(req)

	var valid bool
	if name != a.username {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else {
		valid = passwordsMatch(a.password, pass)
	}

	a.mu.Lock()
	a.authCache[req] = valid
	a.mu.Unlock()
	return valid
}

// Modified from net/http. Link:
// https://cs.opensource.google/go/go/+/refs/tags/go1.17.8:src/net/http/request.go;l=949
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

func passwordsMatch(hash []byte, plaintext string) bool {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(plaintext)); err != nil {
		return false
	}
	return true
}

// User blocks unauthorized requests and prompts for login.
func (a *Authenticator) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidateRequest(r) {
			if r.Header.Get("Authorization") != "" {
				username, _ := parseBasicAuth(r.Header.Get("Authorization"))
				LogFailedLogin(a.log, r, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm=""`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LogFailedLogin finds and logs the ip.
func LogFailedLogin(log *log.Logger, r *http.Request, username string) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	log.Info().Src("auth").Msgf("failed login: username: %v %v", username, ip)
}
