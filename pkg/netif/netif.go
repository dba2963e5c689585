// Package netif lists the host's network interface addresses
package netif

import (
	"errors"
	"net"
)

// ErrNoAddresses is returned by LocalIPs when nothing routable is configured
var ErrNoAddresses = errors.New("netif: no suitable IP addresses found")

// Addresses holds one interface's non-loopback addresses
type Addresses struct {
	IPv4 []string `json:"ipv4Addresses"`
	IPv6 []string `json:"ipv6Addresses"`
}

func (a Addresses) empty() bool {
	return len(a.IPv4) == 0 && len(a.IPv6) == 0
}

// List returns the non-loopback addresses of every interface, keyed by
// interface name. Interfaces with no such address are left out.
func List() (map[string]Addresses, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make(map[string]Addresses)
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if a := classify(addrs); !a.empty() {
			out[iface.Name] = a
		}
	}
	return out, nil
}

func classify(addrs []net.Addr) Addresses {
	var a Addresses
	for _, addr := range addrs {
		ip := addrIP(addr)
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			a.IPv4 = append(a.IPv4, v4.String())
		} else {
			a.IPv6 = append(a.IPv6, ip.String())
		}
	}
	return a
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// LocalIPs returns the routable addresses of interfaces that are up,
// skipping loopback and link-local ones.
func LocalIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ips = append(ips, routable(addrs)...)
	}

	if len(ips) == 0 {
		return nil, ErrNoAddresses
	}
	return ips, nil
}

func routable(addrs []net.Addr) []net.IP {
	var ips []net.IP
	for _, addr := range addrs {
		ip := addrIP(addr)
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

// PreferredIPv4 returns the first routable IPv4 address, or "" when there is none
func PreferredIPv4() string {
	ips, err := LocalIPs()
	if err != nil {
		return ""
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
