package wire

import (
	"errors"
	"reflect"
	"unicode/utf8"

	"github.com/ugorji/go/codec"
)

// Current protocol version. Clients announcing a different version in their
// hello message are disconnected.
const ProtocolVersion = 1

const (
	MaxDisplayNameLen = 32
	MaxChatMessageLen = 500
)

// Server to client envelope types.
const (
	TypeWelcome      = "welcome"
	TypePeerJoined   = "peer_joined"
	TypePeerLeft     = "peer_left"
	TypePlayerJoined = "player_joined"
	TypePlayerLeft   = "player_left"
	TypeRelay        = "relay"
	TypeSnapshot     = "snapshot"
	TypePong         = "pong"
	TypeError        = "error"
)

// Client to server envelope types. Chat envelopes travel both ways.
const (
	TypeJoin  = "join"
	TypeState = "state"
	TypeChat  = "chat"
	TypePing  = "ping"
	TypeHello = "hello"
)

// Error codes carried by error envelopes.
const (
	CodeRateLimited    = "RATE_LIMITED"
	CodeRoomFull       = "ROOM_FULL"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeNotJoined      = "NOT_JOINED"
	CodeBadProtocol    = "BAD_PROTOCOL"
)

var (
	ErrEncode = errors.New("unable to encode envelope")

	// ErrMalformed is the single outcome for every undecodable inbound
	// frame: not a msgpack map, missing type key, or a non-string tag.
	ErrMalformed = errors.New("malformed envelope")
)

var mh = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.Canonical = true
	h.RawToString = true
	h.WriteExt = true
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

type Vec3 struct {
	X float64 `codec:"x"`
	Y float64 `codec:"y"`
	Z float64 `codec:"z"`
}

type Quat struct {
	X float64 `codec:"x"`
	Y float64 `codec:"y"`
	Z float64 `codec:"z"`
	W float64 `codec:"w"`
}

// PlayerState is the per-member application state tracked in authoritative
// mode and redistributed inside snapshot envelopes.
type PlayerState struct {
	Position    Vec3   `codec:"position"`
	Rotation    Quat   `codec:"rotation"`
	Action      string `codec:"action"`
	DisplayName string `codec:"displayName,omitempty"`
	Timestamp   int64  `codec:"timestamp"`
}

// NeutralState returns the canonical state seeded at join time: zero
// position, identity orientation, idle action.
func NeutralState() PlayerState {
	return PlayerState{
		Rotation: Quat{W: 1},
		Action:   "idle",
	}
}

type Welcome struct {
	Type     string   `codec:"type"`
	PlayerID string   `codec:"playerId"`
	Peers    []string `codec:"peers"`
}

func NewWelcome(playerID string, peers []string) Welcome {
	return Welcome{Type: TypeWelcome, PlayerID: playerID, Peers: peers}
}

type PeerNotice struct {
	Type        string `codec:"type"`
	ID          string `codec:"id"`
	DisplayName string `codec:"displayName,omitempty"`
}

func NewPeerJoined(id string) PeerNotice {
	return PeerNotice{Type: TypePeerJoined, ID: id}
}

func NewPeerLeft(id string) PeerNotice {
	return PeerNotice{Type: TypePeerLeft, ID: id}
}

func NewPlayerJoined(id, displayName string) PeerNotice {
	return PeerNotice{Type: TypePlayerJoined, ID: id, DisplayName: displayName}
}

func NewPlayerLeft(id string) PeerNotice {
	return PeerNotice{Type: TypePlayerLeft, ID: id}
}

type Relay struct {
	Type string `codec:"type"`
	From string `codec:"from"`
	Data any    `codec:"data"`
}

func NewRelay(from string, data any) Relay {
	return Relay{Type: TypeRelay, From: from, Data: data}
}

type Snapshot struct {
	Type      string                 `codec:"type"`
	Players   map[string]PlayerState `codec:"players"`
	Timestamp int64                  `codec:"timestamp"`
}

func NewSnapshot(players map[string]PlayerState, timestamp int64) Snapshot {
	return Snapshot{Type: TypeSnapshot, Players: players, Timestamp: timestamp}
}

// Chat is sent by clients with only the message set, and broadcast by the
// server with the sender id filled in.
type Chat struct {
	Type    string `codec:"type"`
	ID      string `codec:"id,omitempty"`
	Message string `codec:"message"`
}

func NewChat(id, message string) Chat {
	return Chat{Type: TypeChat, ID: id, Message: message}
}

type Pong struct {
	Type       string `codec:"type"`
	Nonce      string `codec:"nonce"`
	ServerTime int64  `codec:"serverTime"`
}

func NewPong(nonce string, serverTime int64) Pong {
	return Pong{Type: TypePong, Nonce: nonce, ServerTime: serverTime}
}

type Error struct {
	Type    string `codec:"type"`
	Code    string `codec:"code"`
	Message string `codec:"message"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

type Join struct {
	Type        string `codec:"type"`
	DisplayName string `codec:"displayName,omitempty"`
}

func NewJoin(displayName string) Join {
	return Join{Type: TypeJoin, DisplayName: displayName}
}

type State struct {
	Type     string `codec:"type"`
	Position Vec3   `codec:"position"`
	Rotation Quat   `codec:"rotation"`
	Action   string `codec:"action"`
}

func NewState(position Vec3, rotation Quat, action string) State {
	return State{Type: TypeState, Position: position, Rotation: rotation, Action: action}
}

type Ping struct {
	Type  string `codec:"type"`
	Nonce string `codec:"nonce"`
}

func NewPing(nonce string) Ping {
	return Ping{Type: TypePing, Nonce: nonce}
}

type Hello struct {
	Type            string `codec:"type"`
	ProtocolVersion int    `codec:"protocolVersion"`
}

func NewHello(version int) Hello {
	return Hello{Type: TypeHello, ProtocolVersion: version}
}

// Envelope is a decoded inbound frame. Beyond the type tag nothing is
// validated: Fields keeps the raw keyed payload so relay mode can pass it
// through untouched, while the typed accessors below pull out the few
// fields the router and authoritative rooms care about.
type Envelope struct {
	Type   string
	Fields map[string]any
}

// Encode serializes an outbound message to its msgpack form.
func Encode(msg any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, mh).Encode(msg); err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return out, nil
}

// Decode deserializes an inbound frame. Any input that is not a keyed
// structure with a usable string tag collapses to ErrMalformed; Decode
// never panics across the package boundary.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]any
	if err := codec.NewDecoderBytes(data, mh).Decode(&fields); err != nil || fields == nil {
		return Envelope{}, ErrMalformed
	}
	tag, ok := fields["type"].(string)
	if !ok || tag == "" {
		return Envelope{}, ErrMalformed
	}
	return Envelope{Type: tag, Fields: fields}, nil
}

// Str returns the named field if it is a string, otherwise "".
func (e Envelope) Str(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Int returns the named field coerced to int64.
func (e Envelope) Int(key string) (int64, bool) {
	return toInt64(e.Fields[key])
}

// StrSlice returns the named field as a string slice, dropping any
// non-string elements.
func (e Envelope) StrSlice(key string) []string {
	raw, ok := e.Fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PlayerState extracts position, rotation and action from a state envelope.
// Missing or wrongly shaped fields yield zero values rather than errors:
// the state payload is not validated beyond its tag.
func (e Envelope) PlayerState() PlayerState {
	var st PlayerState
	if pos, ok := e.Fields["position"].(map[string]any); ok {
		st.Position = Vec3{X: toFloat64(pos["x"]), Y: toFloat64(pos["y"]), Z: toFloat64(pos["z"])}
	}
	if rot, ok := e.Fields["rotation"].(map[string]any); ok {
		st.Rotation = Quat{X: toFloat64(rot["x"]), Y: toFloat64(rot["y"]), Z: toFloat64(rot["z"]), W: toFloat64(rot["w"])}
	}
	st.Action = e.Str("action")
	return st
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// Truncate bounds s to max bytes, used for display names and chat messages
// before they are stored or broadcast. The cut never splits a rune, so the
// result stays valid UTF-8.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
