package banstore

import (
	"fmt"
	"net"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/tidwall/match"
)

// MaxCIDRAddresses bounds the IPv4 addresses a single CIDR ban may cover.
const MaxCIDRAddresses = 1 << 16

// mask is a parsed ban mask: nick!user@host, each part a glob. The host
// part may instead be a CIDR block.
type mask struct {
	nick, user, host string
	network          *net.IPNet
}

// NormalizeMask validates a mask and returns its canonical form. Missing
// parts default to "*": "host" becomes "*!*@host", "user@host" becomes
// "*!user@host". CIDR hosts are reduced to their network address.
func NormalizeMask(s string) (string, error) {
	m, err := parseMask(s)
	if err != nil {
		return "", err
	}
	return m.String(), nil
}

func parseMask(s string) (*mask, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMask, s)
	}

	m := &mask{nick: "*", user: "*"}
	rest := s
	if i := strings.IndexByte(rest, '!'); i >= 0 {
		m.nick, rest = rest[:i], rest[i+1:]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		m.user, rest = rest[:i], rest[i+1:]
	}
	m.host = rest
	if m.nick == "" || m.user == "" || m.host == "" {
		return nil, fmt.Errorf("%w: empty part in %q", ErrInvalidMask, s)
	}

	if strings.Contains(m.host, "/") {
		_, network, err := net.ParseCIDR(m.host)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMask, err)
		}
		if network.IP.To4() != nil && cidr.AddressCount(network) > MaxCIDRAddresses {
			return nil, fmt.Errorf("%w: %s covers more than %d addresses", ErrInvalidMask, network, MaxCIDRAddresses)
		}
		m.network = network
		m.host = network.String()
	}
	return m, nil
}

func (m *mask) String() string {
	return m.nick + "!" + m.user + "@" + m.host
}

// matches reports whether target (nick!user@host, user@host or host)
// is covered by the mask.
func (m *mask) matches(target string) bool {
	t, err := parseMask(target)
	if err != nil {
		return false
	}
	if !match.Match(t.nick, m.nick) || !match.Match(t.user, m.user) {
		return false
	}
	if m.network != nil {
		ip := net.ParseIP(t.host)
		return ip != nil && m.network.Contains(ip)
	}
	return match.Match(t.host, m.host)
}
