// Package database defines the list-manager interface the ingestion
// core uses to persist stream watermarks and counters, and provides a
// file-backed reference implementation.
//
// The core never touches rows, tables, or schema directly — per spec
// §6 it only ever calls Init, GetVariable, and SetVariable. This keeps
// the ingestion core decoupled from whatever the real shadow database
// turns out to be.
package database

import "context"

// Database is the list-manager surface the ingestion core depends on.
// SetVariable with a nil value deletes the variable.
type Database interface {
	Init(ctx context.Context) error
	Close() error
	GetVariable(ctx context.Context, name string) (value string, ok bool, err error)
	SetVariable(ctx context.Context, name string, value *string) error
}
