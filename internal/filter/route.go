package filter

import (
	"net"
	"net/http"
	"sort"
)

// InterceptDomains are the game API hosts whose TLS sessions are terminated
var InterceptDomains = []string{"hk4e-api.mihoyo.com", "hk4e-api-os.mihoyo.com"}

// Route is the handling path chosen for a proxy request
type Route int

const (
	RouteForward Route = iota
	RouteTunnel
	RouteIntercept
)

// String returns the string representation of Route
func (r Route) String() string {
	switch r {
	case RouteForward:
		return "forward"
	case RouteTunnel:
		return "tunnel"
	case RouteIntercept:
		return "intercept"
	default:
		return "unknown"
	}
}

// DomainSet is an exact, case-sensitive host set
type DomainSet map[string]struct{}

// NewDomainSet builds a set from a host list
func NewDomainSet(domains []string) DomainSet {
	set := make(DomainSet, len(domains))
	for _, d := range domains {
		set[d] = struct{}{}
	}
	return set
}

// DefaultDomainSet returns the set of InterceptDomains
func DefaultDomainSet() DomainSet {
	return NewDomainSet(InterceptDomains)
}

// Contains reports whether host is in the set
func (s DomainSet) Contains(host string) bool {
	_, ok := s[host]
	return ok
}

// Domains returns the hosts in the set, sorted
func (s DomainSet) Domains() []string {
	domains := make([]string, 0, len(s))
	for d := range s {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// HostOf strips the port from an authority. IPv6 brackets are removed when a
// port is present; an authority without a port is returned unchanged.
func HostOf(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}

// Classify picks the handling path for a request on the outer proxy connection
func Classify(method, authority string, set DomainSet) Route {
	if method != http.MethodConnect {
		return RouteForward
	}
	if set.Contains(HostOf(authority)) {
		return RouteIntercept
	}
	return RouteTunnel
}
