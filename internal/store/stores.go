// Package store selects and wires the durable backends. The pipeline only
// sees the convo.MessageLog and proactive.RowStore interfaces; schema and
// driver mechanics stay behind this package.
package store

import (
	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/proactive"
)

// Stores is the container for all durable backends.
type Stores struct {
	Messages  convo.MessageLog
	Proactive proactive.RowStore

	closer func() error
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewStores bundles backend implementations with their shared closer.
// Driver packages call this from their factories.
func NewStores(messages convo.MessageLog, rows proactive.RowStore, closer func() error) *Stores {
	return &Stores{Messages: messages, Proactive: rows, closer: closer}
}
