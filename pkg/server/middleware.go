// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/abcxyz/pkg/renderer"

	"github.com/oore-ci/oore/pkg/config"
	"github.com/oore-ci/oore/pkg/crypto"
)

// AuthMiddleware guards the admin routes: proxy-trust rules for client
// IP derivation, HTTPS enforcement, and a constant-time bearer check.
type AuthMiddleware struct {
	h          *renderer.Renderer
	adminToken string
	devMode    bool
	trusted    []netip.Prefix
}

// NewAuthMiddleware parses the trusted-proxy CIDRs from the config.
func NewAuthMiddleware(h *renderer.Renderer, cfg *config.ServerConfig) (*AuthMiddleware, error) {
	var trusted []netip.Prefix
	for _, c := range cfg.TrustedProxyCIDRs() {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy cidr %q: %w", c, err)
		}
		trusted = append(trusted, p)
	}
	return &AuthMiddleware{
		h:          h,
		adminToken: cfg.AdminToken,
		devMode:    cfg.DevMode,
		trusted:    trusted,
	}, nil
}

func (m *AuthMiddleware) isTrustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr extracts the TCP peer address.
func peerAddr(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unparseable peer address %q", r.RemoteAddr)
	}
	return addr.Unmap(), nil
}

// clientAddr walks X-Forwarded-For right to left, skipping trusted
// proxies, and returns the first untrusted entry. With no forwarding
// headers the peer itself is the client.
func (m *AuthMiddleware) clientAddr(peer netip.Addr, forwardedFor string) (netip.Addr, error) {
	if forwardedFor == "" {
		return peer, nil
	}
	entries := strings.Split(forwardedFor, ",")
	for i := len(entries) - 1; i >= 0; i-- {
		raw := strings.TrimSpace(entries[i])
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("unparseable forwarded address %q", raw)
		}
		addr = addr.Unmap()
		if !m.isTrustedProxy(addr) {
			return addr, nil
		}
	}
	// Every hop was a trusted proxy; the leftmost entry is the origin.
	addr, err := netip.ParseAddr(strings.TrimSpace(entries[0]))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unparseable forwarded address %q", entries[0])
	}
	return addr.Unmap(), nil
}

// RequireAdmin applies the ordered checks guarding every admin route.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, err := peerAddr(r)
		if err != nil {
			m.h.RenderJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		forwardedFor := r.Header.Get("X-Forwarded-For")
		forwardedProto := r.Header.Get("X-Forwarded-Proto")

		// Forwarding headers are only meaningful from a configured proxy.
		if !m.isTrustedProxy(peer) && (forwardedFor != "" || forwardedProto != "") {
			m.h.RenderJSON(w, http.StatusBadRequest, map[string]string{
				"error": "forwarding headers from untrusted peer",
			})
			return
		}

		client := peer
		if m.isTrustedProxy(peer) {
			client, err = m.clientAddr(peer, forwardedFor)
			if err != nil {
				m.h.RenderJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		}

		https := r.TLS != nil || (m.isTrustedProxy(peer) && forwardedProto == "https")
		if !https && !(m.devMode && client.IsLoopback()) {
			m.h.RenderJSON(w, http.StatusForbidden, map[string]string{
				"error": "HTTPS_REQUIRED",
			})
			return
		}

		if m.adminToken == "" {
			m.h.RenderJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "SETUP_DISABLED",
			})
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || !crypto.ConstantTimeEqual(token, m.adminToken) {
			m.h.RenderJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "invalid or missing bearer token",
			})
			return
		}

		// Admin responses carry tokens and secrets; never cache them.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
