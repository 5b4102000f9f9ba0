package network

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// DialContextFunc matches http.Transport.DialContext and redis.Options.Dialer.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewSOCKS5Dialer creates a SOCKS5 proxy dialer.
func NewSOCKS5Dialer(host string, port int) (proxy.Dialer, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", addr, err)
	}
	return dialer, nil
}

// ContextDialer returns a context-aware dial function for the given proxy.
// An empty host yields a plain net.Dialer bounded by ctx.
func ContextDialer(host string, port int) (DialContextFunc, error) {
	if host == "" {
		var d net.Dialer
		return d.DialContext, nil
	}
	dialer, err := NewSOCKS5Dialer(host, port)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}
