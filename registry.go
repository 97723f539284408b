package corerpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexusrpc/corerpc/callstate"
)

// MethodContract is (serviceName, methodName, pattern, requestCodec,
// responseCodec), with codecs and the typed handler signature erased to
// the closures below at construction time (see NewUnaryMethod etc. in
// methodcontract.go) — the registry itself never re-derives type
// information, it only stores and looks these up.
type MethodContract struct {
	Name string
	// Pattern is one of Unary/ServerStream/ClientStream/Bidi.
	Pattern callstate.Pattern

	// invoke drives the handler given a prepared callIO adaptor. It is
	// called exactly once per inbound call, off the loop goroutine (see
	// dispatch.go), and must not re-enter the dispatcher for its own
	// stream.
	invoke func(ctx context.Context, io *callIO) error
}

// Subcontract is a namespaced group of methods composed into a parent
// ServiceContract at registration time. Prefix is prepended to each
// method's bare name to keep the flattened method namespace
// prefix-free.
type Subcontract struct {
	Prefix  string
	Methods []MethodContract
}

// ServiceContract is (serviceName, methods[], subcontracts[]): a named
// group of methods, optionally composed from further Subcontracts.
type ServiceContract struct {
	Name         string
	Methods      []MethodContract
	Subcontracts []Subcontract
}

// flatten produces the (methodName -> MethodContract) map for one
// service, applying subcontract name-prefixing. Returns an error if any
// two methods collide after flattening.
func (c ServiceContract) flatten() (map[string]MethodContract, error) {
	out := make(map[string]MethodContract, len(c.Methods))
	for _, m := range c.Methods {
		if _, dup := out[m.Name]; dup {
			return nil, fmt.Errorf("corerpc: duplicate method %q in service %q", m.Name, c.Name)
		}
		out[m.Name] = m
	}
	for _, sc := range c.Subcontracts {
		for _, m := range sc.Methods {
			name := sc.Prefix + m.Name
			if _, dup := out[name]; dup {
				return nil, fmt.Errorf("corerpc: duplicate method %q in service %q (via subcontract %q)", name, c.Name, sc.Prefix)
			}
			m.Name = name
			out[name] = m
		}
	}
	return out, nil
}

// MethodInfo describes one registered method, surfaced via
// Endpoint.ServiceInfo.
type MethodInfo struct {
	Name    string
	Pattern callstate.Pattern
}

// ServiceInfo describes one registered service's methods.
type ServiceInfo struct {
	Methods []MethodInfo
}

// ContractRegistry is the append-only (serviceName, methodName) ->
// methodContract map. Registration must
// precede the first accepted call; lookups are safe for concurrent use
// once registration is complete.
type ContractRegistry struct {
	mu       sync.RWMutex
	services map[string]map[string]MethodContract
}

// Register flattens and adds a ServiceContract. Returns an error if the
// service name is already registered, or if the contract's own methods
// collide: duplicate (service, method) registration is a fatal
// configuration error.
func (r *ContractRegistry) Register(c ServiceContract) error {
	flat, err := c.flatten()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services == nil {
		r.services = make(map[string]map[string]MethodContract)
	}
	if _, dup := r.services[c.Name]; dup {
		return fmt.Errorf("corerpc: service %q already registered", c.Name)
	}
	r.services[c.Name] = flat
	return nil
}

// RegisterMethod adds a single method under service, independent of any
// ServiceContract — a first-class ad-hoc registration surface distinct
// from contract-based registration. Returns an error if (service,
// m.Name) is already registered.
func (r *ContractRegistry) RegisterMethod(service string, m MethodContract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services == nil {
		r.services = make(map[string]map[string]MethodContract)
	}
	svc, ok := r.services[service]
	if !ok {
		svc = make(map[string]MethodContract)
		r.services[service] = svc
	}
	if _, dup := svc[m.Name]; dup {
		return fmt.Errorf("corerpc: method %s/%s already registered", service, m.Name)
	}
	svc[m.Name] = m
	return nil
}

// Lookup resolves (service, method) to its MethodContract. ok is false
// if either the service or the method is unknown.
func (r *ContractRegistry) Lookup(service, method string) (MethodContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[service]
	if !ok {
		return MethodContract{}, false
	}
	m, ok := svc[method]
	return m, ok
}

// ServiceInfo returns method/pattern information for every registered
// service, for diagnostics.
func (r *ContractRegistry) ServiceInfo() map[string]ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.services) == 0 {
		return nil
	}
	out := make(map[string]ServiceInfo, len(r.services))
	for name, methods := range r.services {
		info := ServiceInfo{Methods: make([]MethodInfo, 0, len(methods))}
		for _, m := range methods {
			info.Methods = append(info.Methods, MethodInfo{Name: m.Name, Pattern: m.Pattern})
		}
		out[name] = info
	}
	return out
}
