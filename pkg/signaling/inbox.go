package signaling

import (
	"sort"
	"sync"
	"time"
)

// DefaultStalenessWindow is how old a signal may be before it is discarded
// without dispatch. The relay keeps undelivered signals across reconnects,
// so anything older than this is assumed to belong to a dead call attempt.
const DefaultStalenessWindow = 5 * time.Minute

// Inbox deduplicates and orders signal batches delivered by the transport.
// The transport may redeliver signals it has already pushed (reconnects
// replay the change feed), and delivery order within a batch is arbitrary.
type Inbox struct {
	mu        sync.Mutex
	staleness time.Duration
	processed map[string]time.Time
}

// NewInbox creates an inbox. A non-positive staleness falls back to
// DefaultStalenessWindow.
func NewInbox(staleness time.Duration) *Inbox {
	if staleness <= 0 {
		staleness = DefaultStalenessWindow
	}
	return &Inbox{
		staleness: staleness,
		processed: make(map[string]time.Time),
	}
}

// Prepare takes one delivered batch and returns the signals to dispatch,
// sorted ascending by timestamp, plus the ids of signals that must be
// deleted upstream without dispatch (duplicates and stale entries).
//
// Dispatchable signals are marked processed immediately; the caller still
// owns their upstream deletion, which is unconditional regardless of
// whether handling succeeds.
func (in *Inbox) Prepare(batch []Signal, now time.Time) (ready []Signal, discard []string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	cutoff := now.Add(-in.staleness)
	for _, sig := range batch {
		if _, seen := in.processed[sig.ID]; seen {
			// Redelivery means the earlier delete never stuck;
			// issue it again.
			discard = append(discard, sig.ID)
			continue
		}
		if sig.Timestamp.Before(cutoff) {
			// Stale: delete upstream, never dispatch.
			in.processed[sig.ID] = sig.Timestamp
			discard = append(discard, sig.ID)
			continue
		}
		in.processed[sig.ID] = sig.Timestamp
		ready = append(ready, sig)
	}

	// Sort so an Offer is handled before a later Bye for the same peer.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Timestamp.Before(ready[j].Timestamp)
	})
	return ready, discard
}

// Prune drops processed-id entries older than the staleness window. Those
// ids can no longer be redelivered as fresh signals, so remembering them
// is pointless.
func (in *Inbox) Prune(now time.Time) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	cutoff := now.Add(-in.staleness)
	removed := 0
	for id, ts := range in.processed {
		if ts.Before(cutoff) {
			delete(in.processed, id)
			removed++
		}
	}
	return removed
}

// Seen reports whether a signal id has already been prepared.
func (in *Inbox) Seen(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.processed[id]
	return ok
}
