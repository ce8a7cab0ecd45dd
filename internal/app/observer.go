package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"clusterd/internal/config"
	"clusterd/internal/coord"
	"clusterd/internal/coord/backend"
	logx "clusterd/pkg/logx"

	"github.com/google/uuid"
)

// openObserver joins the configured backend under a throwaway identity
// tagged role=observer. It never schedules or executes anything.
func openObserver(ctx context.Context, cfg *config.Config, opt Options, log logx.Logger) (coord.Coordinator, error) {
	bc, err := mapBackendConfig(cfg)
	if err != nil {
		return nil, err
	}
	bc.Member = coord.Member{
		ID:   "observer-" + uuid.NewString()[:8],
		Meta: map[string]string{"role": "observer"},
	}
	c, err := backend.Open(bc, backend.Options{Grid: opt.Grid}, log)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, fmt.Errorf("coordination: %w", err)
	}
	return c, nil
}

// ListMembers returns the current members, observers excluded.
func ListMembers(ctx context.Context, cfg *config.Config, opt Options, log logx.Logger) ([]coord.Member, error) {
	c, err := openObserver(ctx, cfg, opt, log)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()

	all, err := c.Members(ctx)
	if err != nil {
		return nil, err
	}
	var out []coord.Member
	for _, m := range all {
		if m.Meta["role"] != "observer" {
			out = append(out, m)
		}
	}
	return out, nil
}

// Tail writes forwarded log lines from LogTopic to w until ctx ends. Only
// lines published after the subscription are seen.
func Tail(ctx context.Context, cfg *config.Config, opt Options, log logx.Logger, w io.Writer) error {
	c, err := openObserver(ctx, cfg, opt, log)
	if err != nil {
		return err
	}
	defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()

	lines, cancel, err := coord.NewTopic[LogLine](c, LogTopic).Subscribe(ctx, 64)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "%-12s %-5s %s\n", l.Member, strings.ToUpper(l.Level), l.Line); err != nil {
				return err
			}
		}
	}
}
