package voice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// isPrivateIP reports whether ip is loopback, private, link-local, or
// otherwise non-routable — i.e. not a legitimate external SFU admin host.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// safeTransport validates every resolved IP at dial time, rejecting private
// addresses so a misconfigured or compromised SFU base URL can't be used to
// reach internal services (DNS rebinding included, since resolution happens
// inside DialContext rather than ahead of time).
func safeTransport(allowPrivate bool) *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if allowPrivate {
				return dialer.DialContext(ctx, network, addr)
			}

			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns resolution failed for %q: %w", host, err)
			}
			for _, ipAddr := range ips {
				if isPrivateIP(ipAddr.IP) {
					return nil, fmt.Errorf("sfu base url resolves to private address %s", ipAddr.IP)
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
}

// safeHTTPClient returns an http.Client suitable for the SFU admin API and
// any outbound requests the voice coordinator makes on the operator's
// behalf. allowPrivate should only be true in local development.
func safeHTTPClient(allowPrivate bool) *http.Client {
	return &http.Client{Timeout: 10 * time.Second, Transport: safeTransport(allowPrivate)}
}
