// Package sink persists decoded records.
package sink

import (
	"errors"

	"github.com/chaz8081/enose-collector/internal/packet"
	"github.com/chaz8081/enose-collector/internal/schema"
)

// TimestampColumn is the name of the leading capture-time column.
const TimestampColumn = "CapturedAt"

var (
	// ErrHeaderMismatch reports an existing destination laid out for a
	// different schema.
	ErrHeaderMismatch = errors.New("sink: existing header does not match schema")
	// ErrNoHeader is returned by Append before EnsureHeader succeeded.
	ErrNoHeader = errors.New("sink: header not ensured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sink: closed")
)

// Sink stores records in field order.
type Sink interface {
	// EnsureHeader prepares the destination for s. It writes the header only
	// when the destination is missing or empty and is safe to call again.
	EnsureHeader(s *schema.Schema) error
	// Append stores one record. The header must already be ensured.
	Append(rec packet.Record) error
	Close() error
}

// Header returns the column names for s: the timestamp column followed by
// every field name.
func Header(s *schema.Schema) []string {
	return append([]string{TimestampColumn}, s.Names()...)
}
