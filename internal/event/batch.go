package event

import "context"

// Batch collects events raised inside a transaction. They are published once the transaction
// has committed, so subscribers never see uncommitted state.
type Batch struct {
	events []Event
}

func (b *Batch) Add(events ...Event) {
	b.events = append(b.events, events...)
}

func (b *Batch) Len() int { return len(b.events) }

// Reset drops everything collected so far. Call it first thing in a transaction body that may be
// retried, so a rolled back attempt leaves no events behind.
func (b *Batch) Reset() {
	b.events = b.events[:0]
}

// PublishTo publishes the collected events in order and empties the batch.
func (b *Batch) PublishTo(ctx context.Context, p Publisher) {
	for _, e := range b.events {
		p.Publish(ctx, e)
	}
	b.events = nil
}
