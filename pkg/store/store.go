// Package store persists encoded TEL records, keyed by member and sequence.
//
// Stores are dumb: they never decode records. The only rule they enforce is
// the conditional append, which keeps each member's records gap free even when
// two writers race.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict is returned by Append when seq is not the member's current
	// record count.
	ErrConflict = errors.New("store: sequence conflict")
	// ErrCorrupt reports persisted data that cannot be read back as a
	// contiguous record list.
	ErrCorrupt = errors.New("store: corrupt data")
	ErrClosed  = errors.New("store: closed")
)

// RecordStore is the persistence collaborator of the event log.
type RecordStore interface {
	// Append stores record at seq. It fails with ErrConflict unless seq equals
	// the number of records already stored for member.
	Append(ctx context.Context, member string, seq uint64, record []byte) error
	// Load returns every record of member in sequence order. An unknown
	// member yields an empty list.
	Load(ctx context.Context, member string) ([][]byte, error)
	// Members lists every member with at least one record, sorted. When
	// some entries cannot be attributed to a member it returns the members
	// it could read together with an *UnreadableError.
	Members(ctx context.Context) ([]string, error)
	Close() error
}

// UnreadableError names stored entries whose member could not be read back.
// It matches ErrCorrupt under errors.Is.
type UnreadableError struct {
	Entries []string
	Errs    []error
}

func (e *UnreadableError) add(entry string, err error) {
	e.Entries = append(e.Entries, entry)
	e.Errs = append(e.Errs, err)
}

func (e *UnreadableError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d unreadable entries: %s", len(e.Entries), strings.Join(msgs, "; "))
}

func (e *UnreadableError) Unwrap() error { return ErrCorrupt }
