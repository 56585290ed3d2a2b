package util

import (
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of peers whose forwarded headers we believe.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or bare-IP entries. Empty input means
// trust none, in which case nil is returned.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr falls inside a trusted range.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	for _, p := range t.prefixes {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller's address. X-Forwarded-For is walked
// right to left and honored only while each hop is a trusted proxy, so
// an untrusted peer cannot spoof its own origin.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		// Unix sockets and test servers may hand us a bare host.
		if addr, err := netip.ParseAddr(strings.TrimSpace(r.RemoteAddr)); err == nil {
			peer = netip.AddrPortFrom(addr, 0)
		} else {
			return strings.TrimSpace(r.RemoteAddr)
		}
	}
	addr := peer.Addr()
	if !trusted.Contains(addr) {
		return addr.String()
	}

	hops := forwardedChain(r.Header.Get("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.Contains(hops[i]) {
			return hops[i].String()
		}
	}
	if len(hops) > 0 {
		return hops[0].String()
	}
	if real, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return real.String()
	}
	return addr.String()
}

func forwardedChain(header string) []netip.Addr {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]netip.Addr, 0, len(parts))
	for _, part := range parts {
		if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
			out = append(out, addr)
		}
	}
	return out
}
