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

package gitlab

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/abcxyz/pkg/logging"
)

// blockedPrefixes covers address space a CI server must never be
// tricked into calling: loopback, RFC 1918 private, link-local, CGNAT,
// ULA, documentation, and broadcast ranges.
var blockedPrefixes = func() []netip.Prefix {
	raw := []string{
		"0.0.0.0/8",
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"192.0.2.0/24",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"255.255.255.255/32",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"2001:db8::/32",
	}
	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		prefixes = append(prefixes, netip.MustParsePrefix(s))
	}
	return prefixes
}()

// broadPrefixFloor rejects operator allow-list CIDRs wider than /8
// (IPv4) unless explicitly overridden; a typo like 10.0.0.0/1 would
// otherwise whitelist half the internet.
const broadPrefixFloor = 8

// Gate validates GitLab instance hosts against the blocked ranges and
// the operator's exceptions. gitlab.com is implicitly trusted.
type Gate struct {
	allowedHosts map[string]struct{}
	allowedCIDRs []netip.Prefix
}

// NewGate builds a gate from the operator's allow-lists. CIDR strings
// broader than /8 are rejected unless allowBroad is set.
func NewGate(allowedHosts, allowedCIDRs []string, allowBroad bool) (*Gate, error) {
	g := &Gate{allowedHosts: map[string]struct{}{}}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			g.allowedHosts[h] = struct{}{}
		}
	}
	for _, c := range allowedCIDRs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed CIDR %q: %w", c, err)
		}
		if prefix.Addr().Is4() && prefix.Bits() < broadPrefixFloor && !allowBroad {
			return nil, fmt.Errorf("allowed CIDR %q is broader than /%d; set the broad-CIDR override if this is intentional", c, broadPrefixFloor)
		}
		g.allowedCIDRs = append(g.allowedCIDRs, prefix)
	}
	return g, nil
}

// blocked reports whether an address falls into a refused range and is
// not excepted by the operator's CIDR allow-list.
func (g *Gate) blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	inBlocked := false
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			inBlocked = true
			break
		}
	}
	if !inBlocked {
		return false
	}
	for _, p := range g.allowedCIDRs {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// ValidateHost resolves a GitLab host and returns the pinned address
// set every subsequent connection must use. A host resolving to any
// blocked address fails before a single socket is opened, unless the
// hostname itself is allow-listed.
func (g *Gate) ValidateHost(ctx context.Context, host string) ([]netip.Addr, error) {
	lower := strings.ToLower(host)
	hostAllowed := false
	if _, ok := g.allowedHosts[lower]; ok {
		hostAllowed = true
	}
	if lower == "gitlab.com" {
		hostAllowed = true
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("host %q resolved to no addresses", host)
	}

	if !hostAllowed {
		for _, ip := range ips {
			if g.blocked(ip) {
				logging.FromContext(ctx).WarnContext(ctx, "refusing gitlab instance on blocked address",
					"host", host, "address", ip.String())
				return nil, fmt.Errorf("host %q resolves to a blocked address range; add it to the allowed hosts or CIDRs if this instance is intentional", host)
			}
		}
	}

	pinned := make([]netip.Addr, len(ips))
	for i, ip := range ips {
		pinned[i] = ip.Unmap()
	}
	return pinned, nil
}
