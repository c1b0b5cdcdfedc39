package safety

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// BlockCategory labels why a URL was rejected.
type BlockCategory string

const (
	BlockScheme      BlockCategory = "scheme"
	BlockCredentials BlockCategory = "credentials"
	BlockMetadata    BlockCategory = "metadata"
	BlockPrivateIP   BlockCategory = "private_ip"
	BlockLoopback    BlockCategory = "loopback"
	BlockLinkLocal   BlockCategory = "link_local"
	BlockMulticast   BlockCategory = "multicast"
	BlockReserved    BlockCategory = "reserved"
	BlockRebind      BlockCategory = "rebind"
	BlockNotAllowed  BlockCategory = "not_allowed"
	BlockInvalid     BlockCategory = "invalid"
)

// URLResult is the verdict for one outbound URL.
type URLResult struct {
	Allowed         bool          `json:"allowed"`
	BlockedCategory BlockCategory `json:"blocked_category,omitempty"`
	Host            string        `json:"host,omitempty"`
	Detail          string        `json:"detail,omitempty"`
}

// metadataHosts are cloud metadata endpoints; any resolution to them is an
// exfiltration primitive regardless of path.
var metadataHosts = map[string]struct{}{
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"metadata":                 {},
	"100.100.100.200":          {}, // Alibaba
	"fd00:ec2::254":            {},
}

// rebindSuffixes are wildcard DNS services that resolve attacker-chosen IPs.
var rebindSuffixes = []string{
	".nip.io", ".sslip.io", ".xip.io", ".localtest.me", ".lvh.me", ".traefik.me",
}

// cgNAT is the carrier-grade NAT range 100.64.0.0/10.
var cgNAT = netip.MustParsePrefix("100.64.0.0/10")

// URLValidator rejects outbound URLs that could reach internal surfaces.
// Checks are case-insensitive and handle embedded credentials plus decimal,
// hex, and octal IP encodings.
type URLValidator struct {
	allowedDomains map[string]struct{}
}

// NewURLValidator builds a validator with the given domain allow-list. An
// empty list allows any public HTTPS host.
func NewURLValidator(allowedDomains []string) *URLValidator {
	v := &URLValidator{}
	if len(allowedDomains) > 0 {
		v.allowedDomains = make(map[string]struct{}, len(allowedDomains))
		for _, d := range allowedDomains {
			v.allowedDomains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	}
	return v
}

// Validate applies every check in order and returns the first rejection.
func (v *URLValidator) Validate(raw string) URLResult {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return URLResult{BlockedCategory: BlockInvalid, Detail: "unparseable url"}
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return URLResult{BlockedCategory: BlockInvalid, Detail: "empty host"}
	}

	// Metadata endpoints outrank every other category, scheme included: the
	// category names the real target, not the first lexical defect.
	if _, bad := metadataHosts[host]; bad {
		return URLResult{BlockedCategory: BlockMetadata, Host: host, Detail: "cloud metadata endpoint"}
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return URLResult{BlockedCategory: BlockScheme, Host: host, Detail: "scheme must be https"}
	}
	if u.User != nil {
		return URLResult{BlockedCategory: BlockCredentials, Host: host, Detail: "credentials in authority"}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return URLResult{BlockedCategory: BlockLoopback, Host: host, Detail: "loopback hostname"}
	}
	for _, suffix := range rebindSuffixes {
		if strings.HasSuffix(host, suffix) {
			return URLResult{BlockedCategory: BlockRebind, Host: host, Detail: "dns rebinding service"}
		}
	}

	if addr, ok := parseIPHost(host); ok {
		if cat, detail := classifyAddr(addr); cat != "" {
			return URLResult{BlockedCategory: cat, Host: host, Detail: detail}
		}
	} else if v.allowedDomains != nil && !v.domainAllowed(host) {
		return URLResult{BlockedCategory: BlockNotAllowed, Host: host, Detail: "domain not on allow-list"}
	}

	return URLResult{Allowed: true, Host: host}
}

// domainAllowed accepts exact matches and subdomains of allow-listed domains.
func (v *URLValidator) domainAllowed(host string) bool {
	if _, ok := v.allowedDomains[host]; ok {
		return true
	}
	for d := range v.allowedDomains {
		if strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// parseIPHost recognizes literal IPs including hex (0x7f000001), octal
// (0177.0.0.1), and 32-bit decimal (2130706433) forms.
func parseIPHost(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), true
	}

	// Single-number forms: decimal, hex, octal.
	if n, ok := parseNumericHost(host); ok {
		var b [4]byte
		b[0] = byte(n >> 24)
		b[1] = byte(n >> 16)
		b[2] = byte(n >> 8)
		b[3] = byte(n)
		return netip.AddrFrom4(b), true
	}

	// Dotted forms with hex/octal octets, e.g. 0177.0.0.1 or 0x7f.0.0.1.
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		var b [4]byte
		for i, p := range parts {
			n, ok := parseNumericHost(p)
			if !ok || n > 255 {
				return netip.Addr{}, false
			}
			b[i] = byte(n)
		}
		return netip.AddrFrom4(b), true
	}
	return netip.Addr{}, false
}

func parseNumericHost(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	var err error
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		n, err = strconv.ParseUint(s[2:], 16, 64)
	case len(s) > 1 && s[0] == '0' && isDigits(s):
		n, err = strconv.ParseUint(s[1:], 8, 64)
	case isDigits(s):
		n, err = strconv.ParseUint(s, 10, 64)
	default:
		return 0, false
	}
	if err != nil || n > 0xFFFFFFFF {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// classifyAddr maps an IP literal to its block category, or "" when public.
func classifyAddr(addr netip.Addr) (BlockCategory, string) {
	switch {
	case addr.IsLoopback():
		return BlockLoopback, "loopback address"
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		// 169.254.169.254 falls here when spelled in an alternate encoding.
		return BlockLinkLocal, "link-local address"
	case addr.IsMulticast():
		return BlockMulticast, "multicast address"
	case addr.IsPrivate():
		return BlockPrivateIP, "rfc1918 or ula address"
	case addr.Is4() && cgNAT.Contains(addr):
		return BlockPrivateIP, "carrier-grade nat range"
	case addr.IsUnspecified() || !addr.IsValid() || isReserved(addr):
		return BlockReserved, "reserved address"
	}
	return "", ""
}

// isReserved covers ranges netip has no predicate for.
func isReserved(addr netip.Addr) bool {
	if addr.Is4() {
		b := addr.As4()
		switch {
		case b[0] == 0: // "this network"
			return true
		case b[0] == 192 && b[1] == 0 && b[2] == 2: // TEST-NET-1
			return true
		case b[0] == 198 && b[1] == 51 && b[2] == 100: // TEST-NET-2
			return true
		case b[0] == 203 && b[1] == 0 && b[2] == 113: // TEST-NET-3
			return true
		case b[0] >= 240: // class E
			return true
		}
		return false
	}
	// IPv6 documentation prefix.
	return netip.MustParsePrefix("2001:db8::/32").Contains(addr)
}

// HostPort splits host:port handling the bracketed IPv6 form; used by callers
// that validate endpoints rather than full URLs.
func HostPort(endpoint string) (host, port string) {
	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, ""
	}
	return h, p
}
