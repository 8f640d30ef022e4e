package room

import (
	"time"

	"github.com/adwski/wsrelay/wire"
)

// UpdatePlayerState replaces the stored state for a member with the given
// value stamped with the server's current time. It never broadcasts:
// redistribution happens only on tick, which decouples client send rate
// from broadcast rate. State written between ticks is coalesced to the
// latest value (last write wins). Unknown ids are a no-op.
func (r *Room) UpdatePlayerState(clientID string, state wire.PlayerState) {
	r.mx.Lock()
	defer r.mx.Unlock()

	m, ok := r.members[clientID]
	if !ok {
		return
	}
	state.DisplayName = m.DisplayName
	state.Timestamp = r.now().UnixMilli()
	m.State = state
}

// Chat broadcasts a chat envelope to the whole room, sender included, after
// truncating the text to the wire limit. Unknown senders are a no-op.
func (r *Room) Chat(clientID, text string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.members[clientID]; !ok {
		return
	}
	r.msgTotal++
	r.msgSince++
	r.broadcastLocked(wire.NewChat(clientID, wire.Truncate(text, wire.MaxChatMessageLen)), "")
}

// startTickLocked starts the fixed-period tick loop. Called on the 0 -> 1
// member transition; starting an already running loop is a no-op, and a
// freshly recreated room id always begins with no loop running.
func (r *Room) startTickLocked() {
	if r.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	r.tickStop = stop
	go r.runTick(stop)
	r.logger.Debug().Dur("interval", r.tickInterval).Msg("tick loop started")
}

// stopTickLocked cancels the tick loop. Called on the transition to zero
// members; cancelling an already cancelled loop is a safe no-op.
func (r *Room) stopTickLocked() {
	if r.tickStop == nil {
		return
	}
	close(r.tickStop)
	r.tickStop = nil
	r.logger.Debug().Msg("tick loop stopped")
}

func (r *Room) runTick(stop <-chan struct{}) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick builds one snapshot of every member's stored state and broadcasts it
// to the whole room, then refreshes the messages/sec gauge inline.
func (r *Room) tick() {
	r.mx.Lock()
	defer r.mx.Unlock()

	if len(r.members) == 0 {
		return
	}

	players := make(map[string]wire.PlayerState, len(r.members))
	for id, m := range r.members {
		st := m.State
		st.DisplayName = m.DisplayName
		players[id] = st
	}
	r.broadcastLocked(wire.NewSnapshot(players, r.now().UnixMilli()), "")
	r.updateMetricsLocked()
}

// tickRunning reports whether the tick loop is active, for tests.
func (r *Room) tickRunning() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.tickStop != nil
}
