package app

import (
	"fmt"
	"strings"
	"time"

	"clusterd/internal/config"
	"clusterd/internal/coord"
	"clusterd/internal/coord/backend"
	"clusterd/internal/leader"
	"clusterd/internal/observability/httpd"
	"clusterd/internal/task/engine"
	"clusterd/internal/task/scheduler"
	logx "clusterd/pkg/logx"
)

const (
	defaultHeartbeat = "every:30s"
	defaultJanitor   = "every:1m"
	defaultElection  = "janitor"
)

func mapBackendConfig(cfg *config.Config) (backend.Config, error) {
	c := cfg.Coordination
	out := backend.Config{
		Driver: c.Driver,
		Path:   strings.TrimSpace(c.Path),
		Member: coord.Member{ID: strings.TrimSpace(cfg.Member.ID), Addr: cfg.Member.Addr, Meta: cfg.Member.Meta},
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"coordination.busy_timeout", c.BusyTimeout, &out.BusyTimeout},
		{"coordination.lease_ttl", c.LeaseTTL, &out.LeaseTTL},
		{"coordination.heartbeat_interval", c.HeartbeatInterval, &out.HeartbeatInterval},
		{"coordination.poll_interval", c.PollInterval, &out.PollInterval},
		{"coordination.topic_retention", c.TopicRetention, &out.TopicRetention},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return backend.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapExecutorConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Executor
	timeout, err := config.ParseDurationField("executor.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	policy, err := engine.ParsePolicy(e.Policy)
	if err != nil {
		return engine.Config{}, fmt.Errorf("executor.policy: %w", err)
	}
	return engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		Policy:         policy,
		DefaultTimeout: timeout,
		HistorySize:    e.HistorySize,
		RetryMax:       e.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	out := scheduler.Config{Name: strings.TrimSpace(s.Name), MaxLoopRestarts: s.MaxLoopRestarts}
	var err error
	if out.PollInterval, err = config.ParseDurationField("scheduler.poll_interval", s.PollInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.PollTimeout, err = config.ParseDurationField("scheduler.poll_timeout", s.PollTimeout); err != nil {
		return scheduler.Config{}, err
	}
	if out.LockTimeout, err = config.ParseDurationField("scheduler.lock_timeout", s.LockTimeout); err != nil {
		return scheduler.Config{}, err
	}
	r := cfg.Coordination.Retry
	out.Retry = coord.RetryPolicy{Attempts: r.Attempts, RatePerSec: r.RatePerSec}
	if out.Retry.Base, err = config.ParseDurationField("coordination.retry.base", r.Base); err != nil {
		return scheduler.Config{}, err
	}
	if out.Retry.Max, err = config.ParseDurationField("coordination.retry.max", r.Max); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// maintenanceSpecs returns the heartbeat and janitor specs; a nil spec means
// the task is switched off.
func maintenanceSpecs(cfg *config.Config) (heartbeat, janitor *scheduler.ParsedSpec, ttl time.Duration, err error) {
	parse := func(path, raw, def string) (*scheduler.ParsedSpec, error) {
		raw = strings.TrimSpace(raw)
		if strings.EqualFold(raw, "off") {
			return nil, nil
		}
		if raw == "" {
			raw = def
		}
		p, err := scheduler.ParseSchedule(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &p, nil
	}
	if heartbeat, err = parse("scheduler.heartbeat", cfg.Scheduler.Heartbeat, defaultHeartbeat); err != nil {
		return nil, nil, 0, err
	}
	if janitor, err = parse("scheduler.janitor", cfg.Scheduler.Janitor, defaultJanitor); err != nil {
		return nil, nil, 0, err
	}
	def := 90 * time.Second
	if heartbeat != nil {
		def = 3 * max(heartbeat.Delay(time.Now()), time.Second)
	}
	ttl, err = config.ParseDurationOrDefault("scheduler.heartbeat_ttl", cfg.Scheduler.HeartbeatTTL, def)
	return heartbeat, janitor, ttl, err
}

func mapLeaderConfig(cfg *config.Config) (string, leader.Options, error) {
	l := cfg.Leader
	election := strings.TrimSpace(l.Election)
	if election == "" {
		election = defaultElection
	}
	var opt leader.Options
	var err error
	if opt.PollInterval, err = config.ParseDurationField("leader.poll_interval", l.PollInterval); err != nil {
		return "", leader.Options{}, err
	}
	if opt.PrestartThreshold, err = config.ParseDurationField("leader.prestart_threshold", l.PrestartThreshold); err != nil {
		return "", leader.Options{}, err
	}
	if opt.Prestart, err = config.ParseDurationField("leader.prestart", l.Prestart); err != nil {
		return "", leader.Options{}, err
	}
	return election, opt, nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	h := cfg.HTTP
	out := httpd.Config{
		Enabled:              h.Enabled,
		Addr:                 strings.TrimSpace(h.Addr),
		Token:                strings.TrimSpace(h.Token),
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		PprofPrefix:          h.PprofPrefix,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return httpd.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Remote:  logx.RemoteConfig{Enabled: l.Remote.Enabled, MinLevel: l.Remote.MinLevel, RatePerSec: l.Remote.RatePerSec},
	}
}

// validateRuntime checks what Validate cannot: schedule specs and the
// mappings the daemon applies.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapBackendConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := maintenanceSpecs(cfg); err != nil {
		return err
	}
	if _, _, err := mapLeaderConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}

// CheckConfig runs every check the daemon applies to a loaded config.
func CheckConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return validateRuntime(cfg)
}
