package msh

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EndpointResolver finds the address of a receiving party when the PMode
// leg does not carry one.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, partyID, service, action string) (string, error)
}

// StaticEndpointResolver maps party IDs to fixed addresses. It suits
// point-to-point deployments.
type StaticEndpointResolver struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

// NewStaticEndpointResolver creates a resolver holding endpoints.
func NewStaticEndpointResolver(endpoints map[string]string) *StaticEndpointResolver {
	r := &StaticEndpointResolver{endpoints: make(map[string]string, len(endpoints))}
	for party, addr := range endpoints {
		r.endpoints[party] = addr
	}
	return r
}

// RegisterEndpoint sets the address of partyID.
func (r *StaticEndpointResolver) RegisterEndpoint(partyID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[partyID] = address
}

// RemoveEndpoint forgets partyID.
func (r *StaticEndpointResolver) RemoveEndpoint(partyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, partyID)
}

// ResolveEndpoint implements EndpointResolver
func (r *StaticEndpointResolver) ResolveEndpoint(_ context.Context, partyID, _, _ string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.endpoints[partyID]
	if !ok {
		return "", fmt.Errorf("%w: party %s", ErrNoAddress, partyID)
	}
	return addr, nil
}

// EndpointResolvers tries each resolver in order and returns the first
// address found.
type EndpointResolvers []EndpointResolver

// ResolveEndpoint implements EndpointResolver
func (rs EndpointResolvers) ResolveEndpoint(ctx context.Context, partyID, service, action string) (string, error) {
	var errs []error
	for _, r := range rs {
		addr, err := r.ResolveEndpoint(ctx, partyID, service, action)
		if err == nil {
			return addr, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: party %s", ErrNoAddress, partyID)
	}
	return "", fmt.Errorf("%w: party %s: %w", ErrNoAddress, partyID, errors.Join(errs...))
}
