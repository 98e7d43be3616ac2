package services

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
)

// internalHost is loopback, reachable only from this machine. It is used
// for same-machine probes and must never end up in a client-facing URL.
const internalHost = "127.0.0.1"

// AddressRegistry maps logical services and displays to network
// addresses. Client-facing URLs are built from the caller-supplied host;
// loopback is reserved for internal reachability checks.
type AddressRegistry struct {
	mu       sync.RWMutex
	services map[string]domain.ServiceEndpoint
	displays map[int]int // display -> streaming port

	baseDisplay int
	basePort    int
}

func NewAddressRegistry(baseDisplay, basePort int) *AddressRegistry {
	return &AddressRegistry{
		services:    make(map[string]domain.ServiceEndpoint),
		displays:    make(map[int]int),
		baseDisplay: baseDisplay,
		basePort:    basePort,
	}
}

// RegisterService records a logical service endpoint. An empty host means
// the service is bound on all interfaces and the client host is filled in
// at resolution time.
func (r *AddressRegistry) RegisterService(name string, port int, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[name] = domain.ServiceEndpoint{
		Name:     name,
		Host:     host,
		Port:     port,
		Protocol: "http",
	}
}

// RegisterDisplay records the streaming port bound for a display.
func (r *AddressRegistry) RegisterDisplay(display, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.displays[display] = port
}

// UnregisterDisplay drops the port record for a display.
func (r *AddressRegistry) UnregisterDisplay(display int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.displays, display)
}

// DisplayPort returns the registered streaming port for a display,
// falling back to the deterministic basePort+(display-baseDisplay)
// formula so resolution never hard-fails on registration-order gaps.
func (r *AddressRegistry) DisplayPort(display int) int {
	r.mu.RLock()
	port, ok := r.displays[display]
	r.mu.RUnlock()

	if ok {
		return port
	}

	port = r.basePort + (display - r.baseDisplay)
	logger.Warn("Display not registered, using port formula",
		"display", display, "port", port)
	return port
}

// ResolveClientURL builds the URL a browser uses to reach a display's
// stream. clientHost should come from ExtractClientHost; when empty the
// URL targets a same-machine browser.
func (r *AddressRegistry) ResolveClientURL(display int, clientHost string) string {
	if clientHost == "" {
		clientHost = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", clientHost, r.DisplayPort(display))
}

// ResolveServiceURL builds a client-facing URL for a registered service.
func (r *AddressRegistry) ResolveServiceURL(name, clientHost string) (string, bool) {
	r.mu.RLock()
	ep, ok := r.services[name]
	r.mu.RUnlock()

	if !ok {
		return "", false
	}

	host := ep.Host
	if host == "" {
		host = clientHost
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d", ep.Protocol, host, ep.Port), true
}

// Services returns a snapshot of the registered endpoints.
func (r *AddressRegistry) Services() []domain.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ServiceEndpoint, 0, len(r.services))
	for _, ep := range r.services {
		out = append(out, ep)
	}
	return out
}

// InternalHost returns the loopback address for same-machine probes.
// Never hand this to a remote client; URLs built from it only work on the
// server itself.
func (r *AddressRegistry) InternalHost() string {
	return internalHost
}

// ExtractClientHost strips a trailing :port from a forwarded host header.
// Behind a reverse proxy the externally visible port differs from the
// internally bound one, so the bare hostname is recombined with ports the
// registry knows about.
func ExtractClientHost(forwardedHost string) string {
	h := strings.TrimSpace(forwardedHost)
	if h == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	// No port present; unwrap a bare bracketed IPv6 literal.
	return strings.Trim(h, "[]")
}
