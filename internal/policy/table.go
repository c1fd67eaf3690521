// Package policy maps failure types to remediation handlers.
package policy

// Table is an immutable lookup from failure type to handler ID.
//
// It is built once at startup from static configuration. A missing mapping
// is an ordinary data case for the dispatcher (the event is skipped), never
// an error.
type Table struct {
	entries map[string]string
}

// NewTable builds a table from a failure-type to handler-ID mapping.
// The input map is copied; later mutation of it does not affect the table.
func NewTable(mappings map[string]string) *Table {
	entries := make(map[string]string, len(mappings))
	for failureType, handlerID := range mappings {
		if failureType == "" || handlerID == "" {
			continue
		}
		entries[failureType] = handlerID
	}
	return &Table{entries: entries}
}

// Lookup returns the handler ID mapped to failureType, and whether a
// mapping exists.
func (t *Table) Lookup(failureType string) (string, bool) {
	handlerID, ok := t.entries[failureType]
	return handlerID, ok
}

// Len returns the number of configured mappings.
func (t *Table) Len() int {
	return len(t.entries)
}
