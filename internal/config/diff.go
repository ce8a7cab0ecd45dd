package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clusterd/pkg/logx"
)

// RestartSections cannot be applied to a running daemon.
var RestartSections = map[string]bool{
	"member":       true,
	"coordination": true,
	"executor":     true,
	"leader":       true,
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets such as the HTTP token are reported
// only as set or unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Member, newCfg.Member) {
		changed = append(changed, "member")
		attrs = append(attrs, logx.String("member.id", newCfg.Member.ID))
	}
	if !reflect.DeepEqual(oldCfg.Coordination, newCfg.Coordination) {
		changed = append(changed, "coordination")
		attrs = append(attrs,
			logx.String("coordination.driver", strings.TrimSpace(newCfg.Coordination.Driver)),
			logx.Bool("coordination.path_set", strings.TrimSpace(newCfg.Coordination.Path) != ""),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.heartbeat", strings.TrimSpace(newCfg.Scheduler.Heartbeat)),
			logx.String("scheduler.janitor", strings.TrimSpace(newCfg.Scheduler.Janitor)),
		)
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.String("executor.policy", newCfg.Executor.Policy),
		)
	}
	if oldCfg.Leader != newCfg.Leader {
		changed = append(changed, "leader")
		attrs = append(attrs, logx.Bool("leader.enabled", newCfg.Leader.Enabled))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
		)
	}
	sort.Strings(changed)
	return changed, attrs
}
