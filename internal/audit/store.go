package audit

import "context"

//go:generate mockgen -source=store.go -destination=mock_store.go -package=audit

// Store persists audit records.
type Store interface {
	Write(ctx context.Context, rec Record) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) Write(context.Context, Record) error { return nil }
