package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adwski/wsrelay/ratelimit"
	"github.com/adwski/wsrelay/room"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize  = 4096
	defaultWebsocketWriteBufferSize = 4096
	defaultMaxMessageSize           = 16384
	defaultHandshakeTimeout         = 3 * time.Second
	defaultWriteDeadline            = 5 * time.Second
	defaultCloseWriteDeadline       = 2 * time.Second

	// defaultPongGrace is how much longer than the ping interval we give
	// the peer before the read deadline kicks in.
	defaultPongGrace = 2 * time.Second

	defaultLimiterSweepPeriod = 10 * time.Second

	// Application close codes.
	closeCodeBadProtocol = 4001
	closeCodeRoomFull    = 4002
	closeCodeKeepalive   = 4003
)

var ErrUnexpected = errors.New("unexpected server error")

type Config struct {
	Logger               *zerolog.Logger
	Directory            *room.Directory
	ListenAddr           string
	AllowedOrigins       []string
	KeepaliveInterval    time.Duration
	MaxMessagesPerSecond int
	UpgradesPerSecond    int
}

// Server upgrades connections on /ws/{roomID}, assigns client identities
// and runs one session per connection. The room directory is injected and
// owned by the caller.
type Server struct {
	directory *room.Directory
	limiter   *ratelimit.Limiter
	upgrades  *rate.Limiter
	keepalive time.Duration
	ws        *websocket.Upgrader
	*http.Server

	connections atomic.Int64
	logger      zerolog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger.With().Str("component", "websocket-server").Logger()
	srv := &Server{
		logger:    logger,
		directory: cfg.Directory,
		limiter:   ratelimit.New(cfg.MaxMessagesPerSecond),
		upgrades:  rate.NewLimiter(rate.Limit(cfg.UpgradesPerSecond), cfg.UpgradesPerSecond),
		keepalive: cfg.KeepaliveInterval,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serve)
	mux.HandleFunc("/ws/{roomID}", srv.serve)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// originChecker builds the upgrader origin predicate from the configured
// allowlist. An empty list or a "*" entry allows everything; requests
// without an Origin header (non-browser clients) are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ConnectionCount returns the number of live sessions.
func (srv *Server) ConnectionCount() int64 {
	return srv.connections.Load()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	go srv.sweepLimiter(ctx)

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// sweepLimiter periodically purges decayed rate-limit windows left behind
// by connections that never went through teardown.
func (srv *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(defaultLimiterSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.limiter.Cleanup()
		}
	}
}

func (srv *Server) serve(w http.ResponseWriter, r *http.Request) {
	if !srv.upgrades.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	roomID := r.PathValue("roomID")
	displayName := r.URL.Query().Get("name")

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	rm := srv.directory.GetOrCreate(roomID)
	if displayName == "" {
		displayName = "anon-" + clientID[:8]
	}

	sess := &session{
		id:          clientID,
		displayName: displayName,
		conn:        newWSConn(conn),
		raw:         conn,
		room:        rm,
		srv:         srv,
		logger: srv.logger.With().
			Str("clientID", clientID).
			Str("roomID", rm.ID()).Logger(),
		stopKeepalive: make(chan struct{}),
	}

	srv.logger.Debug().
		Str("clientID", clientID).
		Str("roomID", rm.ID()).
		Str("remote", r.RemoteAddr).
		Msg("session started")

	go sess.run()
}

var _ room.Conn = (*wsConn)(nil)
