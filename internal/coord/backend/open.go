// Package backend selects and constructs the coordination backend named in
// configuration.
package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/coord/memory"
	"clusterd/internal/coord/sqlite"
	logx "clusterd/pkg/logx"

	"github.com/google/uuid"
)

// Config configures the coordination backend.
//
// Driver values:
//   - "memory": process-local grid; every member of the cluster lives in
//     this process. Meant for development and single-node installs.
//   - "sqlite": shared SQLite database file; members are separate
//     processes on one host or on a shared filesystem.
type Config struct {
	Driver string
	Path   string

	BusyTimeout       time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	TopicRetention    time.Duration

	Member coord.Member
}

// Options adjust Open beyond configuration.
type Options struct {
	// Grid is joined by the memory driver instead of a fresh grid.
	Grid *memory.Grid
}

var ErrUnknownDriver = errors.New("unknown coordination driver")

// Open constructs the configured coordinator. The member joins on Init.
func Open(cfg Config, opt Options, log logx.Logger) (coord.Coordinator, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Member.ID) == "" {
		cfg.Member.ID = uuid.NewString()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		g := opt.Grid
		if g == nil {
			g = memory.NewGrid()
		}
		opts := []memory.Option{memory.WithID(cfg.Member.ID), memory.WithAddr(cfg.Member.Addr)}
		for k, v := range cfg.Member.Meta {
			opts = append(opts, memory.WithMeta(k, v))
		}
		log.Debug("coordination backend selected", logx.String("driver", "memory"), logx.String("member", cfg.Member.ID))
		return g.Join(opts...), nil
	case "sqlite", "sqlite3":
		c, err := sqlite.Open(sqlite.Config{
			Path:              cfg.Path,
			BusyTimeout:       cfg.BusyTimeout,
			LeaseTTL:          cfg.LeaseTTL,
			HeartbeatInterval: cfg.HeartbeatInterval,
			PollInterval:      cfg.PollInterval,
			TopicRetention:    cfg.TopicRetention,
			Member:            cfg.Member,
		}, log)
		if err != nil {
			return nil, err
		}
		log.Debug("coordination backend selected", logx.String("driver", "sqlite"), logx.String("path", cfg.Path), logx.String("member", cfg.Member.ID))
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
