package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks value ranges, enumerations and every duration string. It
// does not touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	durations := []struct{ path, raw string }{
		{"coordination.busy_timeout", cfg.Coordination.BusyTimeout},
		{"coordination.lease_ttl", cfg.Coordination.LeaseTTL},
		{"coordination.heartbeat_interval", cfg.Coordination.HeartbeatInterval},
		{"coordination.poll_interval", cfg.Coordination.PollInterval},
		{"coordination.topic_retention", cfg.Coordination.TopicRetention},
		{"coordination.retry.base", cfg.Coordination.Retry.Base},
		{"coordination.retry.max", cfg.Coordination.Retry.Max},
		{"scheduler.poll_interval", cfg.Scheduler.PollInterval},
		{"scheduler.poll_timeout", cfg.Scheduler.PollTimeout},
		{"scheduler.lock_timeout", cfg.Scheduler.LockTimeout},
		{"scheduler.heartbeat_ttl", cfg.Scheduler.HeartbeatTTL},
		{"executor.default_timeout", cfg.Executor.DefaultTimeout},
		{"leader.poll_interval", cfg.Leader.PollInterval},
		{"leader.prestart_threshold", cfg.Leader.PrestartThreshold},
		{"leader.prestart", cfg.Leader.Prestart},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		check(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Coordination.Driver)) {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Coordination.Path) == "" {
			check(fieldErr("coordination.path", errors.New("required for the sqlite driver")))
		}
	default:
		check(fieldErr("coordination.driver", fmt.Errorf("unknown %q (want memory or sqlite)", cfg.Coordination.Driver)))
	}
	if cfg.Coordination.Retry.Attempts < 0 {
		check(nonNegative("coordination.retry.attempts"))
	}
	if cfg.Coordination.Retry.RatePerSec < 0 {
		check(nonNegative("coordination.retry.rate_per_sec"))
	}

	if cfg.Scheduler.MaxLoopRestarts < 0 {
		check(nonNegative("scheduler.max_loop_restarts"))
	}
	if cfg.Executor.Workers < 0 {
		check(nonNegative("executor.workers"))
	}
	if cfg.Executor.QueueSize < 0 {
		check(nonNegative("executor.queue_size"))
	}
	if cfg.Executor.HistorySize < 0 {
		check(nonNegative("executor.history_size"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Executor.Policy)) {
	case "", "fair", "greedy":
	default:
		check(fieldErr("executor.policy", fmt.Errorf("unknown %q (want fair or greedy)", cfg.Executor.Policy)))
	}
	if cfg.Logging.Remote.RatePerSec < 0 {
		check(nonNegative("logging.remote.rate_per_sec"))
	}
	return errors.Join(errs...)
}
