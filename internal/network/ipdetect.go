package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"slices"
)

// IPInfo holds detected IP address information.
type IPInfo struct {
	IPAddr      string   // address the agent is known by
	IPAddrLocal string   // internal IP matching pattern, or "_"
	AllIPs      []string // all non-loopback IPv4 addresses
}

// Key returns the "<ip>:<localIp>" form used to look the agent up in Redis.
func (i *IPInfo) Key() string {
	return i.IPAddr + ":" + i.IPAddrLocal
}

// noLocalIP marks a host without an address matching the private pattern.
const noLocalIP = "_"

// DetectIPs lists this host's IPv4 addresses and classifies them.
// privateIPPattern is a regex picking the internal address; when empty or
// unmatched, IPAddrLocal is "_". A non-empty overrideIP becomes IPAddr.
func DetectIPs(privateIPPattern string, overrideIP string) (*IPInfo, error) {
	var private *regexp.Regexp
	if privateIPPattern != "" {
		re, err := regexp.Compile(privateIPPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid private IP pattern %q: %w", privateIPPattern, err)
		}
		private = re
	}

	addrs, err := interfaceIPv4s()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}
	return classify(addrs, private, overrideIP), nil
}

// classify picks the external and internal address. With a private match the
// external address is the first other address.
func classify(addrs []string, private *regexp.Regexp, overrideIP string) *IPInfo {
	info := &IPInfo{AllIPs: addrs, IPAddrLocal: noLocalIP, IPAddr: overrideIP}

	if private != nil {
		if i := slices.IndexFunc(addrs, private.MatchString); i >= 0 {
			info.IPAddrLocal = addrs[i]
			if info.IPAddr == "" {
				if j := slices.IndexFunc(addrs, func(a string) bool { return a != addrs[i] }); j >= 0 {
					info.IPAddr = addrs[j]
				}
			}
		}
	}
	if info.IPAddr == "" && len(addrs) > 0 {
		info.IPAddr = addrs[0]
	}
	return info
}

// interfaceIPv4s returns the IPv4 addresses of every up, non-loopback interface.
func interfaceIPv4s() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip, ok := addrOf(a)
			if ok && ip.Is4() && !ip.IsLoopback() {
				out = append(out, ip.String())
			}
		}
	}
	return out, nil
}

// OutboundIP returns the local address this host uses to reach target.
// It is the most reliable agent address on multi-homed hosts.
func OutboundIP(ctx context.Context, dial DialContextFunc, target string) (string, error) {
	conn, err := dial(ctx, "tcp", target)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", target, err)
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", fmt.Errorf("unexpected local address %q: %w", conn.LocalAddr(), err)
	}
	return host, nil
}

func addrOf(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.IPNet:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	case *net.IPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	}
	return netip.Addr{}, false
}
