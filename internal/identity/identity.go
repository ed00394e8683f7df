// Package identity resolves the owning user of an inbound call. The
// telephony layer attaches custom parameters to the stream start event;
// a Resolver turns those into an owner ID. Resolution failure is not
// fatal, the session degrades to greeting-only mode instead.
package identity

import "context"

// CallMeta is the metadata available when a call stream starts.
type CallMeta struct {
	// CallID is the platform call identifier.
	CallID string

	// From and To are the caller and callee numbers when the platform
	// provides them.
	From string
	To   string

	// Params holds the custom parameters attached to the stream by the
	// telephony configuration.
	Params map[string]string
}

// Resolver maps call metadata to an owner ID. An empty owner ID with a nil
// error means the call is unauthenticated.
type Resolver interface {
	Resolve(ctx context.Context, meta CallMeta) (ownerID string, err error)
}

// ParamResolver reads the owner ID from a single custom stream parameter.
// This matches telephony setups that inject the authenticated user into the
// stream configuration.
type ParamResolver struct {
	// Key is the parameter to read. Defaults to "userId" when empty.
	Key string
}

// Resolve implements Resolver.
func (r ParamResolver) Resolve(_ context.Context, meta CallMeta) (string, error) {
	key := r.Key
	if key == "" {
		key = "userId"
	}
	return meta.Params[key], nil
}

var _ Resolver = ParamResolver{}
