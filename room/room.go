package room

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/wsrelay/wire"
)

const (
	destroyedCloseReason = "room destroyed"

	// CloseCodeDestroyed is sent to every member when a room is torn down.
	CloseCodeDestroyed = 4000
)

var ErrUnknownMode = errors.New("unknown room mode")

// Mode selects a room's behavior profile at creation time. Membership,
// admission and eviction are identical across modes; the profiles differ in
// how inbound application messages are handled and whether a tick loop runs.
type Mode int

const (
	// ModeRelay forwards opaque payloads between members.
	ModeRelay Mode = iota
	// ModeAuthoritative holds canonical per-member state and broadcasts
	// consolidated snapshots at a fixed cadence.
	ModeAuthoritative
)

func (m Mode) String() string {
	if m == ModeAuthoritative {
		return "authoritative"
	}
	return "relay"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "relay":
		return ModeRelay, nil
	case "authoritative":
		return ModeAuthoritative, nil
	}
	return ModeRelay, fmt.Errorf("%w: %s", ErrUnknownMode, s)
}

// Conn is the slice of a physical connection a room is allowed to touch.
// The room may send on it and close it during teardown but never owns the
// connection lifecycle otherwise.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
	IsOpen() bool
}

// Member is one registered client of a room. DisplayName and State are only
// meaningful in authoritative mode.
type Member struct {
	ID          string
	Conn        Conn
	JoinedAt    time.Time
	DisplayName string
	State       wire.PlayerState
}

type Config struct {
	ID       string
	Mode     Mode
	Capacity int
	TickRate int
	Logger   *zerolog.Logger
}

// Room owns one room's membership, broadcast fan-out, metrics counters and,
// in authoritative mode, the tick loop. Every exported method is a single
// critical section, so observers never see a partial membership update.
type Room struct {
	id           string
	mode         Mode
	capacity     int
	tickInterval time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mx        sync.Mutex
	members   map[string]*Member
	order     []string
	destroyed bool

	msgTotal uint64
	msgSince uint64
	rate     float64
	rateMark time.Time
	tickStop chan struct{}
}

func New(cfg Config) *Room {
	r := &Room{
		id:       cfg.ID,
		mode:     cfg.Mode,
		capacity: cfg.Capacity,
		logger: cfg.Logger.With().
			Str("component", "room").
			Str("roomID", cfg.ID).
			Str("mode", cfg.Mode.String()).Logger(),
		now:     time.Now,
		members: make(map[string]*Member),
	}
	if cfg.TickRate > 0 {
		r.tickInterval = time.Second / time.Duration(cfg.TickRate)
	} else {
		r.tickInterval = time.Second
	}
	r.rateMark = r.now()
	return r
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Mode() Mode {
	return r.mode
}

func (r *Room) MemberCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.members)
}

// MemberIDs returns member ids in join order.
func (r *Room) MemberIDs() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.order)
}

// Join admits a client. A destroyed room rejects silently: the caller held
// a stale reference and must re-resolve the room through the directory. A
// full room rejects the attempt, sends a ROOM_FULL error envelope directly
// to the rejected connection and mutates nothing. On acceptance the joiner
// receives a welcome envelope with its id and the current peer list, and
// everyone else is notified. Callers must not join the same id twice.
func (r *Room) Join(clientID string, conn Conn, displayName string) bool {
	r.mx.Lock()

	if r.destroyed {
		r.mx.Unlock()
		r.logger.Debug().Str("clientID", clientID).Msg("join rejected, room is destroyed")
		return false
	}
	if len(r.members) >= r.capacity {
		r.mx.Unlock()
		r.sendTo(conn, wire.NewError(wire.CodeRoomFull,
			fmt.Sprintf("room %s is full (capacity %d)", r.id, r.capacity)))
		r.logger.Debug().Str("clientID", clientID).Msg("join rejected, room is full")
		return false
	}
	defer r.mx.Unlock()

	peers := slices.Clone(r.order)

	m := &Member{
		ID:       clientID,
		Conn:     conn,
		JoinedAt: r.now(),
	}
	if r.mode == ModeAuthoritative {
		m.DisplayName = wire.Truncate(displayName, wire.MaxDisplayNameLen)
		m.State = wire.NeutralState()
		m.State.Timestamp = r.now().UnixMilli()
	}
	r.members[clientID] = m
	r.order = append(r.order, clientID)

	r.sendTo(conn, wire.NewWelcome(clientID, peers))

	var notice wire.PeerNotice
	if r.mode == ModeAuthoritative {
		notice = wire.NewPlayerJoined(clientID, m.DisplayName)
	} else {
		notice = wire.NewPeerJoined(clientID)
	}
	r.broadcastLocked(notice, clientID)

	if r.mode == ModeAuthoritative && len(r.members) == 1 {
		r.startTickLocked()
	}

	r.logger.Debug().
		Str("clientID", clientID).
		Int("members", len(r.members)).
		Msg("member joined")
	return true
}

// Leave evicts a member and notifies everyone remaining. Unknown ids are a
// no-op.
func (r *Room) Leave(clientID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.members[clientID]; !ok {
		return
	}
	delete(r.members, clientID)
	if i := slices.Index(r.order, clientID); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}

	if r.mode == ModeAuthoritative {
		if len(r.members) == 0 {
			r.stopTickLocked()
		}
		r.broadcastLocked(wire.NewPlayerLeft(clientID), "")
	} else {
		r.broadcastLocked(wire.NewPeerLeft(clientID), "")
	}

	r.logger.Debug().
		Str("clientID", clientID).
		Int("members", len(r.members)).
		Msg("member left")
}

// Relay wraps an opaque payload in a relay envelope tagged with the sender
// and fans it out to every member except the sender. Unknown senders are a
// no-op.
func (r *Room) Relay(fromID string, payload any) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.members[fromID]; !ok {
		return
	}
	r.msgTotal++
	r.msgSince++
	r.broadcastLocked(wire.NewRelay(fromID, payload), fromID)
}

// Destroy closes every member connection and clears membership. Called by
// the session router once a non-default room has no members left, but it
// also copes with members still present (process shutdown).
func (r *Room) Destroy() {
	r.mx.Lock()
	defer r.mx.Unlock()

	for _, m := range r.members {
		if err := m.Conn.Close(CloseCodeDestroyed, destroyedCloseReason); err != nil {
			r.logger.Debug().Err(err).Str("clientID", m.ID).Msg("close failed during destroy")
		}
	}
	r.members = make(map[string]*Member)
	r.order = nil
	r.destroyed = true
	r.stopTickLocked()
	r.logger.Debug().Msg("room destroyed")
}

// Destroyed reports whether the room was torn down. A stale reference to a
// destroyed room must not be used again; resolve the id anew through the
// directory.
func (r *Room) Destroyed() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.destroyed
}

// UpdateMetrics recomputes the rolling messages/sec gauge. Relay rooms rely
// on an external scheduler calling this at least once per second;
// authoritative rooms refresh it from their own tick.
func (r *Room) UpdateMetrics() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.updateMetricsLocked()
}

// Stats is a read-only view of a room for the HTTP surface.
type Stats struct {
	ID                string  `json:"room_id"`
	Mode              string  `json:"mode"`
	Members           int     `json:"members"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	MessagesTotal     uint64  `json:"messages_total"`
}

func (r *Room) Stats() Stats {
	r.mx.Lock()
	defer r.mx.Unlock()
	return Stats{
		ID:                r.id,
		Mode:              r.mode.String(),
		Members:           len(r.members),
		MessagesPerSecond: r.rate,
		MessagesTotal:     r.msgTotal,
	}
}

func (r *Room) updateMetricsLocked() {
	elapsed := r.now().Sub(r.rateMark)
	if elapsed < time.Second {
		return
	}
	r.rate = float64(r.msgSince) / elapsed.Seconds()
	r.msgSince = 0
	r.rateMark = r.now()
}

// broadcastLocked encodes msg once and sends it to every member whose
// connection reports open, skipping exceptID when set. Sends are
// fire-and-forget: a failed or closed connection just drops this message.
func (r *Room) broadcastLocked(msg any, exceptID string) {
	b, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	for _, id := range r.order {
		if id == exceptID {
			continue
		}
		m := r.members[id]
		if !m.Conn.IsOpen() {
			continue
		}
		if err = m.Conn.Send(b); err != nil {
			r.logger.Debug().Err(err).Str("clientID", id).Msg("send failed, message dropped")
		}
	}
}

func (r *Room) sendTo(conn Conn, msg any) {
	b, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode message")
		return
	}
	if !conn.IsOpen() {
		return
	}
	if err = conn.Send(b); err != nil {
		r.logger.Debug().Err(err).Msg("send failed, message dropped")
	}
}
