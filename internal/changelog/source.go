// Package changelog defines the upstream change-log source contract
// (spec §6 "Upstream change-log source") implemented by the filesource
// and kafkasource subpackages.
package changelog

import (
	"context"
	"errors"

	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// ErrEndOfStream is returned by ReceiveNext when the source has no more
// records available right now. In one-shot mode this means stop; in
// follow mode the reader closes and reopens (spec §4.1 step 3).
var ErrEndOfStream = errors.New("changelog: end of stream")

// ErrReopenable is wrapped around errors the source considers
// recoverable by reopening (disconnects, kernel-channel errors): the
// reader treats these the same as ErrEndOfStream.
var ErrReopenable = errors.New("changelog: source disconnected, reopen")

// Source is one stream's upstream change-log handle. Implementations
// are not safe for concurrent use — each Source is owned exclusively by
// its stream's reader task.
type Source interface {
	// Open opens the source positioned to first deliver the record with
	// id startID (i.e. resuming after startID-1). follow selects
	// poll-until-new-data semantics; when false the source runs
	// one-shot and reports ErrEndOfStream once exhausted.
	Open(ctx context.Context, startID uint64, follow bool) error

	// ReceiveNext blocks (subject to ctx) for the next record. Returns
	// ErrEndOfStream or an error wrapping ErrReopenable per the
	// semantics above; the reader treats any other error as retry-able
	// transient and has no terminal-error path.
	ReceiveNext(ctx context.Context) (*record.Record, error)

	// Clear releases every record with id <= upToID on the upstream
	// server for the consumer identified by readerToken.
	Clear(ctx context.Context, upToID uint64, readerToken string) error

	Close() error
}
