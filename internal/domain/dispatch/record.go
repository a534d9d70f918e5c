package dispatch

import "time"

// Key is the full idempotency tuple. A different source file for the same
// organization and week, or the same file in a different week, is a
// distinct key.
type Key struct {
	Organization string
	WeekStart    Date
	WeekEnd      Date
	SourceFile   string
}

// Record is one immutable, append-only dispatch fact. Records are created
// exactly once per confirmed send and never mutated or deleted; their full
// history is the durable state of the system.
type Record struct {
	Organization string    `json:"organization"`
	WeekStart    Date      `json:"week_start"`
	WeekEnd      Date      `json:"week_end"`
	SourceFile   string    `json:"source_file"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Recipients   []string  `json:"recipients"`
	MessageID    string    `json:"message_id,omitempty"`
}

// Key returns the idempotency tuple of the record.
func (r *Record) Key() Key {
	return Key{
		Organization: r.Organization,
		WeekStart:    r.WeekStart,
		WeekEnd:      r.WeekEnd,
		SourceFile:   r.SourceFile,
	}
}
