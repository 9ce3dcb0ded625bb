package session

import (
	"fmt"
	"time"
)

// startHeartbeat appends a heartbeat line to the session's log at
// HeartbeatInterval, carrying state, elapsed wall time, and the time of the
// last worker output.
func (m *Manager) startHeartbeat(ls *liveSession) {
	ticker := time.NewTicker(HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ls.stopHB:
				return
			case <-ticker.C:
				ls.mu.Lock()
				state := ls.rec.State
				started := ls.rec.StartedAt
				lastActivity := ls.rec.LastActivityAt
				ls.mu.Unlock()
				ls.log.Append(fmt.Sprintf("heartbeat state=%s elapsed=%s last_output=%s",
					state, time.Since(started).Round(time.Second), lastActivity.Format(time.RFC3339)))
			}
		}
	}()
}

// armHardWall starts the hard-wall deadline from the session's start time.
// It fires at most once; if the session is still running at that point, it
// fails with a timeout. A session that has moved on to awaiting-input by
// then is governed by the soft-inactivity deadline instead.
func (m *Manager) armHardWall(ls *liveSession) {
	ls.mu.Lock()
	hard := ls.rec.HardWall
	ls.mu.Unlock()

	ls.hardTimer = time.AfterFunc(hard, func() {
		ls.mu.Lock()
		fire := ls.rec.State == StateRunning
		ls.mu.Unlock()
		if fire {
			m.failSession(ls, fmt.Sprintf("hard wall timeout after %s", hard))
		}
	})
}

// armSoftInactivity (re)starts the soft-inactivity deadline, measured from
// the moment a session entered awaiting-input.
func (m *Manager) armSoftInactivity(ls *liveSession) {
	m.stopSoftInactivity(ls)

	ls.mu.Lock()
	soft := ls.rec.SoftInactivity
	ls.mu.Unlock()

	ls.mu.Lock()
	ls.softTimer = time.AfterFunc(soft, func() {
		ls.mu.Lock()
		fire := ls.rec.State == StateAwaitingInput
		ls.mu.Unlock()
		if fire {
			m.failSession(ls, fmt.Sprintf("soft inactivity timeout after %s", soft))
		}
	})
	ls.mu.Unlock()
}

func (m *Manager) stopSoftInactivity(ls *liveSession) {
	ls.mu.Lock()
	t := ls.softTimer
	ls.softTimer = nil
	ls.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// stopTimers cancels every outstanding timer/ticker for a session, called
// whenever it reaches a terminal state.
func (m *Manager) stopTimers(ls *liveSession) {
	ls.mu.Lock()
	soft, hard := ls.softTimer, ls.hardTimer
	ls.softTimer, ls.hardTimer = nil, nil
	ls.mu.Unlock()
	if soft != nil {
		soft.Stop()
	}
	if hard != nil {
		hard.Stop()
	}
	select {
	case <-ls.stopHB:
	default:
		close(ls.stopHB)
	}
}
