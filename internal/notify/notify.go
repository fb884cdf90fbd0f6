// Package notify is the side-channel notifier spec.md's ambient stack
// calls for: progress/failed/done events fanned out per instance,
// mirroring the teacher's services.JobNotifier but backed by Redis
// pub/sub instead of an in-process SSE hub, since JQM has no HTTP layer
// to hold long-lived client connections open.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

// Notifier is the event-fan-out surface every engine component that
// changes instance state publishes through. Best-effort: a publish
// failure is logged, never returned, the way the teacher's SSE hub
// swallows broadcast errors rather than failing the job.
type Notifier interface {
	InstanceCreated(ctx context.Context, instanceID int64)
	InstanceProgress(ctx context.Context, instanceID int64, pct int)
	InstanceFailed(ctx context.Context, instanceID int64, reason string)
	InstanceDone(ctx context.Context, instanceID int64, state string)
}

type event struct {
	Kind       string      `json:"kind"`
	InstanceID int64       `json:"instance_id"`
	At         time.Time   `json:"at"`
	Data       interface{} `json:"data,omitempty"`
}

// RedisNotifier publishes one channel per instance: "<prefix>instance.<id>".
type RedisNotifier struct {
	client *redis.Client
	log    *logger.Logger
	prefix string
}

func NewRedis(client *redis.Client, prefix string, baseLog *logger.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix, log: baseLog.With("component", "Notifier")}
}

func (n *RedisNotifier) InstanceCreated(ctx context.Context, instanceID int64) {
	n.publish(ctx, "created", instanceID, nil)
}

func (n *RedisNotifier) InstanceProgress(ctx context.Context, instanceID int64, pct int) {
	n.publish(ctx, "progress", instanceID, pct)
}

func (n *RedisNotifier) InstanceFailed(ctx context.Context, instanceID int64, reason string) {
	n.publish(ctx, "failed", instanceID, reason)
}

func (n *RedisNotifier) InstanceDone(ctx context.Context, instanceID int64, state string) {
	n.publish(ctx, "done", instanceID, state)
}

func (n *RedisNotifier) publish(ctx context.Context, kind string, instanceID int64, data interface{}) {
	payload, err := json.Marshal(event{Kind: kind, InstanceID: instanceID, At: time.Now().UTC(), Data: data})
	if err != nil {
		n.log.Warn("encode notify event failed", "err", err, "kind", kind, "instance_id", instanceID)
		return
	}
	channel := fmt.Sprintf("%sinstance.%d", n.prefix, instanceID)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		n.log.Warn("publish notify event failed", "err", err, "channel", channel)
	}
}

// NoopNotifier discards every event; used where Redis isn't configured
// (tests, single-process demos).
type NoopNotifier struct{}

func (NoopNotifier) InstanceCreated(context.Context, int64)          {}
func (NoopNotifier) InstanceProgress(context.Context, int64, int)    {}
func (NoopNotifier) InstanceFailed(context.Context, int64, string)   {}
func (NoopNotifier) InstanceDone(context.Context, int64, string)     {}
