package engine

import (
	"strings"
	"sync/atomic"
)

// Endpoint locates the engine's external controller.
type Endpoint struct {
	Addr   string
	Secret string
}

// URL returns the controller base URL; a bare host:port gets the http scheme.
func (e Endpoint) URL() string {
	base := e.Addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/")
}

// EndpointRef is the controller endpoint shared by the control client and the
// HTTP health probe. Updating it redirects both on their next request.
type EndpointRef struct {
	v atomic.Pointer[Endpoint]
}

func NewEndpointRef(addr, secret string) *EndpointRef {
	r := &EndpointRef{}
	r.v.Store(&Endpoint{Addr: addr, Secret: secret})
	return r
}

// Load returns the current endpoint.
func (r *EndpointRef) Load() Endpoint {
	if e := r.v.Load(); e != nil {
		return *e
	}
	return Endpoint{}
}

// Set replaces the endpoint and reports whether it changed.
func (r *EndpointRef) Set(e Endpoint) bool {
	old := r.v.Swap(&e)
	return old == nil || *old != e
}
