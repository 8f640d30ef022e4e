package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const metricsPeriod = time.Second

// Directory is the process-wide room registry. It is an explicitly owned
// value injected into the session router at construction, with lifecycle
// equal to the process lifetime. Rooms are created lazily on first
// reference and removed when empty, except the default room which is never
// torn down.
type Directory struct {
	logger      zerolog.Logger
	defaultRoom string
	mode        Mode
	capacity    int
	tickRate    int

	mx    sync.Mutex
	rooms map[string]*Room
}

type DirectoryConfig struct {
	Logger      *zerolog.Logger
	DefaultRoom string
	Mode        Mode
	Capacity    int
	TickRate    int
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	return &Directory{
		logger:      cfg.Logger.With().Str("component", "room-directory").Logger(),
		defaultRoom: cfg.DefaultRoom,
		mode:        cfg.Mode,
		capacity:    cfg.Capacity,
		tickRate:    cfg.TickRate,
		rooms:       make(map[string]*Room),
	}
}

func (d *Directory) DefaultRoom() string {
	return d.defaultRoom
}

// GetOrCreate resolves a room id, creating the room on first reference.
func (d *Directory) GetOrCreate(id string) *Room {
	if id == "" {
		id = d.defaultRoom
	}
	d.mx.Lock()
	defer d.mx.Unlock()

	r, ok := d.rooms[id]
	if !ok {
		r = New(Config{
			ID:       id,
			Mode:     d.mode,
			Capacity: d.capacity,
			TickRate: d.tickRate,
			Logger:   &d.logger,
		})
		d.rooms[id] = r
		d.logger.Debug().Str("roomID", id).Msg("room created")
	}
	return r
}

// Release destroys and removes a room that has become empty. The default
// room is always retained, as are rooms that picked up members again in
// the meantime. Reports whether the room was removed.
func (d *Directory) Release(id string) bool {
	d.mx.Lock()
	defer d.mx.Unlock()

	if id == d.defaultRoom {
		return false
	}
	r, ok := d.rooms[id]
	if !ok || r.MemberCount() > 0 {
		return false
	}
	r.Destroy()
	delete(d.rooms, id)
	d.logger.Debug().Str("roomID", id).Msg("room removed")
	return true
}

func (d *Directory) Count() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.rooms)
}

// Snapshot returns read-only stats for every room.
func (d *Directory) Snapshot() []Stats {
	d.mx.Lock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mx.Unlock()

	out := make([]Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	return out
}

// RunMetrics drives the once-per-second gauge refresh for relay rooms,
// which do not self-schedule it. Authoritative rooms refresh from their
// own tick loop and are skipped here.
func (d *Directory) RunMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mx.Lock()
			rooms := make([]*Room, 0, len(d.rooms))
			for _, r := range d.rooms {
				if r.Mode() == ModeRelay {
					rooms = append(rooms, r)
				}
			}
			d.mx.Unlock()
			for _, r := range rooms {
				r.UpdateMetrics()
			}
		}
	}
}
