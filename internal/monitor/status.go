// Package monitor periodically broadcasts installation status to event subscribers.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/telemetry"
)

const DefaultInterval = 30 * time.Second

type InfoSource interface {
	SystemInfo(ctx context.Context) models.SystemInfo
}

type Publisher interface {
	Publish(eventType string, data map[string]any, targets ...string) int
	Count() int
}

// StatusBroadcaster publishes a system_status event on every tick. Ticks with no
// subscribers are skipped so the tool is not invoked for nobody.
type StatusBroadcaster struct {
	src      InfoSource
	pub      Publisher
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewStatusBroadcaster(src InfoSource, pub Publisher, interval time.Duration, log *zap.SugaredLogger) *StatusBroadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StatusBroadcaster{src: src, pub: pub, interval: interval, log: log}
}

func (b *StatusBroadcaster) String() string { return "status-broadcaster" }

func (b *StatusBroadcaster) Serve(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Broadcast(ctx)
		}
	}
}

// Broadcast sends one periodic update and returns the number of recipients.
func (b *StatusBroadcaster) Broadcast(ctx context.Context) int {
	subs := b.pub.Count()
	telemetry.Subscribers.Set(float64(subs))
	if subs == 0 {
		return 0
	}
	info := b.src.SystemInfo(ctx)
	n := b.pub.Publish(models.EventSystemStatus, map[string]any{
		"type": "periodic_update",
		"data": info,
	})
	b.log.Debugw("System status broadcast", "recipients", n, "version", info.Version)
	return n
}
