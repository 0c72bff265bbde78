// Package addrutil normalises contact address specifiers and resolves them
// into dialable host:port targets.
package addrutil

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies an address specifier.
type Kind int

const (
	KindInvalid Kind = iota
	KindIP
	KindMAC
	KindDomain
	KindHostPort
)

var domainRe = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*\.?$`)

// Classify reports the kind of s. Surrounding brackets and whitespace are ignored.
func Classify(s string) Kind {
	s = strings.TrimSpace(s)
	if host, port, err := net.SplitHostPort(s); err == nil {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return KindInvalid
		}
		if k := Classify(host); k == KindIP || k == KindDomain {
			return KindHostPort
		}
		return KindInvalid
	}
	s = trim(s)
	if s == "" {
		return KindInvalid
	}
	if ip := parseIP(s); ip != nil {
		return KindIP
	}
	if isMAC(s) {
		return KindMAC
	}
	if len(s) <= 253 && domainRe.MatchString(s) {
		return KindDomain
	}
	return KindInvalid
}

// Normalize returns the canonical form: IPs and domains lower-case, MAC
// addresses upper-case with colons. An explicit host:port keeps its port.
func Normalize(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if Classify(s) == KindHostPort {
		host, port, _ := net.SplitHostPort(s)
		return net.JoinHostPort(strings.ToLower(host), port), true
	}
	s = trim(s)
	switch Classify(s) {
	case KindIP, KindDomain:
		return strings.ToLower(s), true
	case KindMAC:
		hw, err := net.ParseMAC(s)
		if err != nil {
			return "", false
		}
		return strings.ToUpper(hw.String()), true
	default:
		return "", false
	}
}

// NormalizeAll normalises every entry, dropping invalid ones and duplicates
// while preserving order.
func NormalizeAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		n, ok := Normalize(a)
		if !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// MACFromEUI64 extracts the hardware address embedded in an EUI-64 derived
// IPv6 address, or returns nil.
func MACFromEUI64(ip net.IP) net.HardwareAddr {
	ip16 := ip.To16()
	if ip16 == nil || ip.To4() != nil {
		return nil
	}
	if ip16[11] != 0xff || ip16[12] != 0xfe {
		return nil
	}
	mac := net.HardwareAddr{ip16[8] ^ 0x02, ip16[9], ip16[10], ip16[13], ip16[14], ip16[15]}
	return mac
}

// LinkLocalFromMAC builds the fe80::/64 EUI-64 address for mac.
func LinkLocalFromMAC(mac net.HardwareAddr) net.IP {
	if len(mac) != 6 {
		return nil
	}
	ip := make(net.IP, net.IPv6len)
	ip[0], ip[1] = 0xfe, 0x80
	ip[8] = mac[0] ^ 0x02
	ip[9] = mac[1]
	ip[10] = mac[2]
	ip[11] = 0xff
	ip[12] = 0xfe
	ip[13] = mac[3]
	ip[14] = mac[4]
	ip[15] = mac[5]
	return ip
}

// RemoteAddress picks the address recorded for an unknown caller: the MAC
// when the remote IPv6 address embeds one, else the bare IP.
func RemoteAddress(remote string) string {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if ip.To4() == nil {
		if mac := MACFromEUI64(ip); mac != nil {
			return strings.ToUpper(mac.String())
		}
	}
	return strings.ToLower(ip.String())
}

// HostOf strips the port and zone from a remote address.
func HostOf(remote string) string {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}

// Targets expands one address specifier into dial targets on port. A MAC
// becomes one link-local IPv6 target per up, multicast-capable interface.
func Targets(addr string, port int) []string {
	addr = strings.TrimSpace(addr)
	if Classify(addr) != KindHostPort {
		addr = trim(addr)
	}
	p := strconv.Itoa(port)
	switch Classify(addr) {
	case KindIP, KindDomain:
		return []string{net.JoinHostPort(addr, p)}
	case KindMAC:
		hw, err := net.ParseMAC(addr)
		if err != nil {
			return nil
		}
		ll := LinkLocalFromMAC(hw)
		if ll == nil {
			return nil
		}
		var out []string
		for _, zone := range linkLocalZones() {
			out = append(out, net.JoinHostPort(ll.String()+"%"+zone, p))
		}
		return out
	case KindHostPort:
		return []string{addr}
	default:
		return nil
	}
}

func linkLocalZones() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagLoopback != 0 {
			continue
		}
		if it.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, it.Name)
	}
	return out
}

// LocalAddresses lists the non-loopback unicast IPs and hardware addresses of
// this host, suitable as defaults for the settings address list.
func LocalAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(it.HardwareAddr) == 6 {
			out = append(out, it.HardwareAddr.String())
		}
		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, ipnet.IP.String())
		}
	}
	return NormalizeAll(out)
}

func trim(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	return s
}

func parseIP(s string) net.IP {
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	return net.ParseIP(s)
}

func isMAC(s string) bool {
	hw, err := net.ParseMAC(s)
	return err == nil && len(hw) == 6
}
