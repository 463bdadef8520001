package trace

import "context"

type contextKey struct{}

// NewContext returns a copy of ctx carrying tx.
func NewContext(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// FromContext returns the transaction carried by ctx, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(contextKey{}).(*Transaction)
	return tx, ok
}
