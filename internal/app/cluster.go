package app

import (
	"context"
	"encoding/json"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/eventbus"
	logx "clusterd/pkg/logx"
)

// LogTopic carries warn+ log lines of every member when logging.remote is
// enabled.
const LogTopic = "cluster.log"

// LogLine is one forwarded log line.
type LogLine struct {
	Member string          `json:"member"`
	Level  string          `json:"level"`
	Line   json.RawMessage `json:"line"`
}

// topicSink forwards log lines to LogTopic. It is installed once the
// coordinator exists.
func topicSink(c coord.Coordinator) logx.Sink {
	topic := coord.NewTopic[LogLine](c, LogTopic)
	member := c.LocalMember().ID
	return logx.SinkFunc(func(ctx context.Context, level logx.Level, line []byte) error {
		raw := json.RawMessage(append([]byte(nil), line...))
		if !json.Valid(raw) {
			b, _ := json.Marshal(string(line))
			raw = b
		}
		return topic.Publish(ctx, LogLine{Member: member, Level: level.String(), Line: raw})
	})
}

// MemberEvent is published on the local bus as member.added or
// member.removed.
type MemberEvent struct {
	Member coord.Member `json:"member"`
	At     time.Time    `json:"at"`
}

// membershipListener logs changes and republishes them locally. Listeners
// must return quickly, so anything slower subscribes to the bus.
func membershipListener(log logx.Logger, bus eventbus.Bus) coord.MembershipListener {
	return func(ev coord.MembershipEvent) {
		typ := "member.added"
		if ev.Type == coord.MemberRemoved {
			typ = "member.removed"
		}
		log.Info("membership changed", logx.String("event", ev.Type.String()), logx.String("member", ev.Member.ID), logx.String("addr", ev.Member.Addr))
		bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: MemberEvent{Member: ev.Member, At: ev.At}})
	}
}
