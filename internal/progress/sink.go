package progress

import "context"

// Sink consumes batches of ViewModel snapshots. Implementations must be safe
// for repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []ViewModel) error
	Close(ctx context.Context) error
}

// Observer receives ViewModel snapshots; Hub satisfies this interface so the
// sync client can hand snapshots off without knowing how they are exported.
type Observer interface {
	Observe(vm ViewModel)
}
