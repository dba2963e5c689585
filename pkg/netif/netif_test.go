package netif

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipnet(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestClassify(t *testing.T) {
	a := classify([]net.Addr{
		ipnet("127.0.0.1/8"),
		ipnet("::1/128"),
		ipnet("192.168.1.20/24"),
		ipnet("fe80::1/64"),
		&net.IPAddr{IP: net.ParseIP("2001:db8::5")},
		&net.UnixAddr{Name: "/tmp/x", Net: "unix"},
	})

	assert.Equal(t, []string{"192.168.1.20"}, a.IPv4)
	assert.Equal(t, []string{"fe80::1", "2001:db8::5"}, a.IPv6)
}

func TestClassifyLoopbackOnlyIsEmpty(t *testing.T) {
	a := classify([]net.Addr{ipnet("127.0.0.1/8"), ipnet("::1/128")})
	assert.True(t, a.empty())
}

func TestRoutableSkipsLinkLocal(t *testing.T) {
	ips := routable([]net.Addr{
		ipnet("127.0.0.1/8"),
		ipnet("169.254.3.4/16"),
		ipnet("fe80::1/64"),
		ipnet("10.1.2.3/8"),
	})
	require.Len(t, ips, 1)
	assert.Equal(t, "10.1.2.3", ips[0].String())
}

func TestListExcludesLoopback(t *testing.T) {
	ifaces, err := List()
	require.NoError(t, err)
	for name, a := range ifaces {
		assert.False(t, a.empty(), "interface %s listed without addresses", name)
		for _, ip := range a.IPv4 {
			assert.False(t, net.ParseIP(ip).IsLoopback(), "%s: %s", name, ip)
		}
	}
}
