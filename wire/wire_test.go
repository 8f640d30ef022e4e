package wire_test

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/wsrelay/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		msg   any
		check func(t *testing.T, env wire.Envelope)
	}{
		{
			name: "welcome",
			msg:  wire.NewWelcome("player-1", []string{"a", "b"}),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeWelcome, env.Type)
				assert.Equal(t, "player-1", env.Str("playerId"))
				assert.Equal(t, []string{"a", "b"}, env.StrSlice("peers"))
			},
		},
		{
			name: "welcome with empty peer list",
			msg:  wire.NewWelcome("player-1", []string{}),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeWelcome, env.Type)
				assert.Empty(t, env.StrSlice("peers"))
			},
		},
		{
			name: "peer joined",
			msg:  wire.NewPeerJoined("abc"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypePeerJoined, env.Type)
				assert.Equal(t, "abc", env.Str("id"))
			},
		},
		{
			name: "player joined carries display name",
			msg:  wire.NewPlayerJoined("abc", "Kira"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypePlayerJoined, env.Type)
				assert.Equal(t, "abc", env.Str("id"))
				assert.Equal(t, "Kira", env.Str("displayName"))
			},
		},
		{
			name: "peer left",
			msg:  wire.NewPeerLeft("abc"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypePeerLeft, env.Type)
				assert.Equal(t, "abc", env.Str("id"))
			},
		},
		{
			name: "player left",
			msg:  wire.NewPlayerLeft("abc"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypePlayerLeft, env.Type)
			},
		},
		{
			name: "relay preserves nested payload",
			msg: wire.NewRelay("abc", map[string]any{
				"type": "move",
				"x":    int64(4),
				"tags": []any{"one", "two"},
			}),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeRelay, env.Type)
				assert.Equal(t, "abc", env.Str("from"))
				data, ok := env.Fields["data"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "move", data["type"])
				assert.Equal(t, int64(4), data["x"])
				assert.Equal(t, []any{"one", "two"}, data["tags"])
			},
		},
		{
			name: "snapshot",
			msg: wire.NewSnapshot(map[string]wire.PlayerState{
				"p1": {
					Position:    wire.Vec3{X: 1.5, Y: 2, Z: -3},
					Rotation:    wire.Quat{W: 1},
					Action:      "run",
					DisplayName: "Kira",
					Timestamp:   1234,
				},
			}, 5678),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeSnapshot, env.Type)
				ts, ok := env.Int("timestamp")
				require.True(t, ok)
				assert.Equal(t, int64(5678), ts)
				players, ok := env.Fields["players"].(map[string]any)
				require.True(t, ok)
				p1, ok := players["p1"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "run", p1["action"])
				assert.Equal(t, "Kira", p1["displayName"])
				pos, ok := p1["position"].(map[string]any)
				require.True(t, ok)
				assert.InDelta(t, 1.5, pos["x"], 1e-9)
			},
		},
		{
			name: "chat",
			msg:  wire.NewChat("abc", "hello"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeChat, env.Type)
				assert.Equal(t, "abc", env.Str("id"))
				assert.Equal(t, "hello", env.Str("message"))
			},
		},
		{
			name: "pong",
			msg:  wire.NewPong("n-1", 99),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypePong, env.Type)
				assert.Equal(t, "n-1", env.Str("nonce"))
				st, ok := env.Int("serverTime")
				require.True(t, ok)
				assert.Equal(t, int64(99), st)
			},
		},
		{
			name: "error",
			msg:  wire.NewError(wire.CodeRoomFull, "room arena is full"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeError, env.Type)
				assert.Equal(t, wire.CodeRoomFull, env.Str("code"))
				assert.Equal(t, "room arena is full", env.Str("message"))
			},
		},
		{
			name: "join",
			msg:  wire.NewJoin("Kira"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeJoin, env.Type)
				assert.Equal(t, "Kira", env.Str("displayName"))
			},
		},
		{
			name: "state",
			msg:  wire.NewState(wire.Vec3{X: 1, Y: 2, Z: 3}, wire.Quat{X: 0.5, W: 0.5}, "jump"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeState, env.Type)
				st := env.PlayerState()
				assert.Equal(t, wire.Vec3{X: 1, Y: 2, Z: 3}, st.Position)
				assert.Equal(t, wire.Quat{X: 0.5, W: 0.5}, st.Rotation)
				assert.Equal(t, "jump", st.Action)
			},
		},
		{
			name: "ping",
			msg:  wire.NewPing("n-2"),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypePing, env.Type)
				assert.Equal(t, "n-2", env.Str("nonce"))
			},
		},
		{
			name: "hello",
			msg:  wire.NewHello(wire.ProtocolVersion),
			check: func(t *testing.T, env wire.Envelope) {
				assert.Equal(t, wire.TypeHello, env.Type)
				v, ok := env.Int("protocolVersion")
				require.True(t, ok)
				assert.Equal(t, int64(wire.ProtocolVersion), v)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := wire.Encode(tt.msg)
			require.NoError(t, err)
			env, err := wire.Decode(b)
			require.NoError(t, err)
			tt.check(t, env)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	encode := func(v any) []byte {
		b, err := wire.Encode(v)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil input", data: nil},
		{name: "empty input", data: []byte{}},
		{name: "garbage bytes", data: []byte{0xde, 0xad, 0xbe, 0xef, 0x00}},
		{name: "text", data: []byte("not msgpack at all")},
		{name: "msgpack integer", data: encode(42)},
		{name: "msgpack string", data: encode("relay")},
		{name: "msgpack array", data: encode([]any{"type", "relay"})},
		{name: "map without type key", data: encode(map[string]any{"message": "hi"})},
		{name: "map with integer tag", data: encode(map[string]any{"type": 7})},
		{name: "map with empty tag", data: encode(map[string]any{"type": ""})},
		{name: "map with nil tag", data: encode(map[string]any{"type": nil})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := wire.Decode(tt.data)
			assert.ErrorIs(t, err, wire.ErrMalformed)
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", wire.Truncate("abc", 5))
	assert.Equal(t, "abcde", wire.Truncate("abcdefgh", 5))
	assert.Equal(t, "", wire.Truncate("", 5))

	// the cut backs up to the previous rune boundary instead of splitting a
	// multi-byte rune
	assert.Equal(t, "ab", wire.Truncate("abцde", 3))
	assert.Equal(t, "abц", wire.Truncate("abцde", 4))
	assert.Equal(t, "", wire.Truncate("世界", 2))
	for _, max := range []int{1, 2, 3, 4, 5} {
		assert.True(t, utf8.ValidString(wire.Truncate("a世b界", max)), "max=%d", max)
	}
}

func TestNeutralState(t *testing.T) {
	t.Parallel()

	st := wire.NeutralState()
	assert.Equal(t, wire.Vec3{}, st.Position)
	assert.Equal(t, wire.Quat{W: 1}, st.Rotation)
	assert.Equal(t, "idle", st.Action)
}
