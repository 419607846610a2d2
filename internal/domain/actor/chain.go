package actor

import "context"

type chainIDKey struct{}

// WithChainID returns a copy of ctx carrying chainID, propagated across a
// turn's nested Invoke calls so a reentrant callback into the same
// activation can be recognized as belonging to the same logical call chain
// rather than a fresh, unrelated one (§4.1).
func WithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, chainIDKey{}, chainID)
}

// ChainIDFromContext returns the chain id stashed by WithChainID, if any.
func ChainIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(chainIDKey{}).(string)
	return v, ok && v != ""
}
