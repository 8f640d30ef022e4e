package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/wsrelay/room"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var ErrUnexpected = errors.New("unexpected server error")

type RoomDirectory interface {
	Count() int
	Snapshot() []room.Stats
}

type ConnectionCounter interface {
	ConnectionCount() int64
}

type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Rooms         int    `json:"rooms"`
	Connections   int64  `json:"connections"`
}

type MemoryStats struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
	Goroutines int    `json:"goroutines"`
}

type MetricsResponse struct {
	Rooms         []room.Stats `json:"rooms"`
	MessagesTotal uint64       `json:"messages_total"`
	Memory        MemoryStats  `json:"memory"`
}

type Server struct {
	logger      zerolog.Logger
	directory   RoomDirectory
	connections ConnectionCounter
	startedAt   time.Time
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	Directory   RoomDirectory
	Connections ConnectionCounter
	ListenAddr  string
}

// NewServer builds the external HTTP surface. It reads room state through
// the directory but never mutates it.
func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "api-server").Logger(),
		directory:   cfg.Directory,
		connections: cfg.Connections,
		startedAt:   time.Now(),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /metrics", srv.metrics)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(srv.startedAt).Seconds()),
		Rooms:         srv.directory.Count(),
		Connections:   srv.connections.ConnectionCount(),
	}
	b, err := json.Marshal(&resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func (srv *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.directory.Snapshot()
	var total uint64
	for _, st := range rooms {
		total += st.MessagesTotal
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := MetricsResponse{
		Rooms:         rooms,
		MessagesTotal: total,
		Memory: MemoryStats{
			AllocBytes: ms.Alloc,
			SysBytes:   ms.Sys,
			Goroutines: runtime.NumGoroutine(),
		},
	}
	b, err := json.Marshal(&resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
