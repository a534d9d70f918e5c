package dispatch

import "context"

// Repository is the append-only dispatch history store: the guard that
// keeps a key from ever being dispatched twice.
//
// Exists matches on the full key tuple. Append never overwrites and never
// deduplicates at write time; dedup enforcement happens at the membership
// test before a send is attempted. Implementations must guarantee a reader
// never observes a partially written record.
//
// WithKeyLock runs fn while holding the store's exclusive lock for key, so
// a membership test and the append that follows it form one atomic unit:
// no other process or goroutine can pass the same membership test until fn
// returns. The Guard passed to fn operates under that lock; the Repository
// itself must not be called from inside fn.
type Repository interface {
	Exists(ctx context.Context, key Key) (bool, error)
	Append(ctx context.Context, rec *Record) error
	List(ctx context.Context, org string) ([]*Record, error)
	WithKeyLock(ctx context.Context, key Key, fn func(g Guard) error) error
}

// Guard is the history view inside a WithKeyLock critical section.
type Guard interface {
	Exists(ctx context.Context, key Key) (bool, error)
	Append(ctx context.Context, rec *Record) error
}
