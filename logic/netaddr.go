package logic

import (
	"net"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/net"
	"github.com/sirupsen/logrus"
)

// FallbackAddress is used when no usable interface address is found.
const FallbackAddress = "127.0.0.1"

// LocalIPv4 returns the first IPv4 address of an interface that is up and
// not a loopback, or FallbackAddress.
func LocalIPv4() string {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		logrus.Warnf("GW: Could not list network interfaces: %v", err)
		return FallbackAddress
	}
	if addr := pickIPv4(ifaces); addr != "" {
		return addr
	}
	logrus.Warnf("GW: No IPv4 interface address found, using %s", FallbackAddress)
	return FallbackAddress
}

func pickIPv4(ifaces []psnet.InterfaceStat) string {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func joinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
