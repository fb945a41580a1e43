package call

import (
	"context"
	"sort"
	"sync"
	"time"
)

// rosterPoller is the polling fallback for huddle membership. Push roster
// updates from the live query are the primary source; the poller feeds the
// same HandleRosterUpdate entry point on a timer so a dropped update
// cannot leave a ghost peer connected forever. Snapshots identical to the
// last one delivered are suppressed.
type rosterPoller struct {
	mu sync.Mutex

	manager   *Manager
	channelID string
	interval  time.Duration

	last   []string
	stopCh chan struct{}
	once   sync.Once
}

func newRosterPoller(m *Manager, channelID string, interval time.Duration) *rosterPoller {
	return &rosterPoller{
		manager:   m,
		channelID: channelID,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

func (rp *rosterPoller) start() {
	go rp.loop()
}

func (rp *rosterPoller) stop() {
	rp.once.Do(func() {
		close(rp.stopCh)
	})
}

func (rp *rosterPoller) loop() {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stopCh:
			return
		case <-ticker.C:
			rp.poll()
		}
	}
}

func (rp *rosterPoller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), rp.interval)
	defer cancel()

	users, err := rp.manager.transport.Roster(ctx, rp.channelID)
	if err != nil {
		rp.manager.log.Warnf("polling call roster for %s: %v", rp.channelID, err)
		return
	}

	snapshot := append([]string(nil), users...)
	sort.Strings(snapshot)

	rp.mu.Lock()
	same := equalRoster(rp.last, snapshot)
	if !same {
		rp.last = snapshot
	}
	rp.mu.Unlock()
	if same {
		return
	}

	rp.manager.HandleRosterUpdate(users)
}

func equalRoster(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// startRosterPollerLocked arms the poll fallback for the active huddle.
func (m *Manager) startRosterPollerLocked() {
	m.stopRosterPollerLocked()
	if m.cfg.RosterPollInterval <= 0 || m.session == nil {
		return
	}
	m.poller = newRosterPoller(m, m.session.channel.ID, m.cfg.RosterPollInterval)
	m.poller.start()
}

func (m *Manager) stopRosterPollerLocked() {
	if m.poller != nil {
		m.poller.stop()
		m.poller = nil
	}
}
