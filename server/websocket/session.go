package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/wsrelay/room"
	"github.com/adwski/wsrelay/wire"
)

// session ties one physical connection to a client identity and a room. It
// owns the keepalive timer and applies the dispatch policy to every inbound
// frame: rate limit, decode, protocol control, then the room operation
// matching the active mode.
type session struct {
	id          string
	displayName string
	conn        *wsConn
	raw         *websocket.Conn
	room        *room.Room
	srv         *Server
	logger      zerolog.Logger

	joined    bool
	helloDone bool

	awaitingPong  atomic.Bool
	stopKeepalive chan struct{}
	stopOnce      sync.Once
}

func (s *session) run() {
	s.srv.connections.Add(1)
	defer s.srv.connections.Add(-1)
	defer s.teardown()

	if s.room.Mode() == room.ModeAuthoritative {
		// No explicit join in authoritative mode: admission happens at
		// connect time and a full room is fatal to the connection.
		if !s.join() {
			_ = s.conn.Close(closeCodeRoomFull, "room is full")
			return
		}
	}

	go s.keepalive()
	s.readLoop()
}

func (s *session) readLoop() {
	s.raw.SetReadLimit(defaultMaxMessageSize)
	pongWait := s.srv.keepalive + defaultPongGrace
	if err := s.raw.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	s.raw.SetPongHandler(func(string) error {
		s.awaitingPong.Store(false)
		return s.raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.raw.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway):
				s.logger.Debug().Msg("connection closed by peer")
			case !s.conn.IsOpen():
				// closed from our side, nothing to report
			default:
				s.logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		_ = s.raw.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(data)
	}
}

// handleFrame applies the dispatch policy in order: rate limit first (on
// the raw frame), then decode, then protocol control messages which are
// consumed here and never reach the room, then the room operation.
func (s *session) handleFrame(data []byte) {
	if !s.srv.limiter.Allow(s.id) {
		s.sendError(wire.CodeRateLimited, "message rate exceeded")
		return
	}

	env, err := wire.Decode(data)
	if err != nil {
		s.sendError(wire.CodeInvalidMessage, "malformed message")
		return
	}

	switch env.Type {
	case wire.TypeHello:
		s.handleHello(env)
		return
	case wire.TypePing:
		s.send(wire.NewPong(env.Str("nonce"), time.Now().UnixMilli()))
		return
	}

	if s.room.Mode() == room.ModeAuthoritative {
		s.dispatchAuthoritative(env)
	} else {
		s.dispatchRelay(env)
	}
}

// handleHello performs the one-time version handshake. A repeated hello is
// ignored; a version mismatch is answered and then fatal.
func (s *session) handleHello(env wire.Envelope) {
	if s.helloDone {
		return
	}
	v, ok := env.Int("protocolVersion")
	if !ok || v != wire.ProtocolVersion {
		s.sendError(wire.CodeBadProtocol,
			fmt.Sprintf("unsupported protocol version, server speaks %d", wire.ProtocolVersion))
		_ = s.conn.Close(closeCodeBadProtocol, "protocol version mismatch")
		return
	}
	s.helloDone = true
}

func (s *session) dispatchRelay(env wire.Envelope) {
	if env.Type == wire.TypeJoin {
		if s.joined {
			// duplicate join, silently ignored
			return
		}
		s.displayName = wire.Truncate(env.Str("displayName"), wire.MaxDisplayNameLen)
		s.join()
		return
	}
	if !s.joined {
		if env.Type == wire.TypeState {
			s.sendError(wire.CodeNotJoined, "join the room before sending state")
		}
		return
	}
	s.room.Relay(s.id, env.Fields)
}

// join admits the session into its room. The room reference was resolved
// at connect time, so by now the directory may have torn the room down
// behind it (its last member left before this client joined); a join
// rejected by a destroyed room re-resolves the id and retries against the
// live instance. A false return means the room is full.
func (s *session) join() bool {
	for {
		if s.room.Join(s.id, s.conn, s.displayName) {
			s.joined = true
			return true
		}
		if !s.room.Destroyed() {
			return false
		}
		s.room = s.srv.directory.GetOrCreate(s.room.ID())
	}
}

func (s *session) dispatchAuthoritative(env wire.Envelope) {
	switch env.Type {
	case wire.TypeState:
		s.room.UpdatePlayerState(s.id, env.PlayerState())
	case wire.TypeChat:
		s.room.Chat(s.id, env.Str("message"))
	default:
		// already a member, everything else is dropped
	}
}

// keepalive pings on a fixed interval and force-closes the connection when
// the peer failed to answer the previous ping.
func (s *session) keepalive() {
	ticker := time.NewTicker(s.srv.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopKeepalive:
			return
		case <-ticker.C:
			if s.awaitingPong.Load() {
				s.logger.Warn().Msg("keepalive timed out, closing connection")
				_ = s.conn.Close(closeCodeKeepalive, "keepalive timeout")
				return
			}
			s.awaitingPong.Store(true)
			if err := s.conn.ping(); err != nil {
				return
			}
		}
	}
}

// teardown runs unconditionally on disconnect, whatever error path led
// here: cancel the keepalive timer, drop the rate window, evict from the
// room and release the room if it became empty.
func (s *session) teardown() {
	s.stopOnce.Do(func() {
		close(s.stopKeepalive)
	})
	s.srv.limiter.Remove(s.id)
	if s.joined {
		s.room.Leave(s.id)
	}
	s.srv.directory.Release(s.room.ID())
	_ = s.conn.Close(websocket.CloseNormalClosure, "")
	s.logger.Debug().Msg("session ended")
}

func (s *session) send(msg any) {
	b, err := wire.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode outgoing message")
		return
	}
	if err = s.conn.Send(b); err != nil {
		s.logger.Debug().Err(err).Msg("send failed, message dropped")
	}
}

func (s *session) sendError(code, message string) {
	s.send(wire.NewError(code, message))
}
