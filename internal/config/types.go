package config

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Member       MemberConfig       `json:"member"`
	Coordination CoordinationConfig `json:"coordination"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Executor     ExecutorConfig     `json:"executor"`
	Leader       LeaderConfig       `json:"leader"`
	Logging      LoggingConfig      `json:"logging"`
	HTTP         HTTPConfig         `json:"http"`
}

// MemberConfig identifies this process in the cluster. An empty ID is
// replaced by a random UUID at startup.
type MemberConfig struct {
	ID   string            `json:"id,omitempty"`
	Addr string            `json:"addr,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
}

// CoordinationConfig selects the coordination backend.
//
// Example:
//
//	coordination:
//	  driver: sqlite
//	  path: /var/lib/clusterd/cluster.db
//	  lease_ttl: 15s
type CoordinationConfig struct {
	Driver            string `json:"driver"`
	Path              string `json:"path,omitempty"`
	BusyTimeout       string `json:"busy_timeout,omitempty"`
	LeaseTTL          string `json:"lease_ttl,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	TopicRetention    string `json:"topic_retention,omitempty"`

	// Retry paces retries of coordination calls made by the scheduler.
	Retry RetryConfig `json:"retry"`
}

type RetryConfig struct {
	Attempts   int     `json:"attempts,omitempty"`
	Base       string  `json:"base,omitempty"`
	Max        string  `json:"max,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the distributed scheduler and the built-in
// maintenance tasks.
//
// Defaults:
//   - name: "default"
//   - poll_interval: "500ms" (hot-reloadable)
//   - poll_timeout: "500ms"
//   - lock_timeout: poll_interval/2
//   - heartbeat: "every:30s"
//   - janitor: "every:1m"
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	Name            string `json:"name,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	PollTimeout     string `json:"poll_timeout,omitempty"`
	LockTimeout     string `json:"lock_timeout,omitempty"`
	MaxLoopRestarts int    `json:"max_loop_restarts,omitempty"`

	// Heartbeat and Janitor are schedule specs (see ParseSchedule). "off"
	// disables the task.
	Heartbeat string `json:"heartbeat,omitempty"`
	Janitor   string `json:"janitor,omitempty"`
	// HeartbeatTTL is how long a heartbeat survives a departed member
	// before the janitor prunes it. Default 3x the heartbeat interval.
	HeartbeatTTL string `json:"heartbeat_ttl,omitempty"`
}

// ExecutorConfig controls the local worker pool.
//
// Defaults:
//   - workers: 4
//   - policy: "fair" (take work only with a free worker) or "greedy" (run
//     promoted work locally)
//   - queue_size: 0 (greedy: workers)
//   - history_size: 200
//   - retry_max: 0 (a failed run is final; > 0 retries in place)
type ExecutorConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	Policy         string `json:"policy,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// LeaderConfig controls the election that gates leader-only work.
type LeaderConfig struct {
	Enabled           bool   `json:"enabled"`
	Election          string `json:"election,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	PrestartThreshold string `json:"prestart_threshold,omitempty"`
	Prestart          string `json:"prestart,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards lines at or above MinLevel to the cluster log
// topic, where `clusterd tail` can follow them.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
