package app

// StopReason is logged when the daemon stops and reported to systemd.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopAppStop     StopReason = "app_stop"
	StopLoopsFailed StopReason = "scheduler_loops_failed"
)
