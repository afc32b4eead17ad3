// Package endpoint parses and renders the host:port addresses the seed
// pool, discovery sources and resolver pass around.
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Endpoint is a validated host:port pair. Host may be a DNS name, an IPv4
// literal, or an IPv6 literal (held without the brackets it carries in
// host:port form); Port is always in [1, 65535].
type Endpoint struct {
	Host string
	Port int
}

// String renders the endpoint back to host:port form, bracketing the host
// if it contains a colon (IPv6 literal).
func (e Endpoint) String() string {
	if strings.Contains(e.Host, ":") {
		return fmt.Sprintf("[%s]:%d", e.Host, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Parse splits s into an Endpoint, validating that the host is non-empty
// and the port is a number in [1, 65535].
//
// Examples:
//   - "localhost:8080"        -> {localhost, 8080}
//   - "10.0.0.1:443"          -> {10.0.0.1, 443}
//   - "[::1]:8080"            -> {::1, 8080}
//   - "myservice.ns.svc:9000" -> {myservice.ns.svc, 9000}
func Parse(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("endpoint: empty address")
	}

	host, portStr, err := splitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint: %q has no host", s)
	}
	if portStr == "" {
		return Endpoint{}, fmt.Errorf("endpoint: %q has no port", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: %q has a non-numeric port: %w", s, err)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("endpoint: %q has an out-of-range port %d", s, port)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// splitHostPort is a minimal host:port splitter with IPv6 bracket support.
// net.SplitHostPort is deliberately not used: it rejects a bare port-less
// host with a low-level error string unsuited to wrapping, and this package
// needs its own validation messages anyway.
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end == -1 {
			return "", "", fmt.Errorf("endpoint: %q has an unterminated IPv6 literal", s)
		}
		host = s[1:end]
		rest := s[end+1:]
		rest = strings.TrimPrefix(rest, ":")
		return host, rest, nil
	}

	idx := strings.LastIndex(s, ":")
	if idx == -1 {
		return "", "", fmt.Errorf("endpoint: %q is missing a port", s)
	}
	return s[:idx], s[idx+1:], nil
}
