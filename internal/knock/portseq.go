package knock

import (
	"slices"
	"sync"
	"time"

	"cok/internal/action"
	"cok/internal/model"
)

// PortSequence waits for TCP packets to the configured ports in order. The
// timeout is checked lazily when the next packet arrives, and packets to
// other ports are ignored while a sequence is in progress.
type PortSequence struct {
	base
	ports   []uint16
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	index     int
	startedAt time.Time
}

func newPortSequence(cfg *model.Descriptor, env *action.Env, o options) *PortSequence {
	return &PortSequence{
		base:    newBase(cfg, env, o),
		ports:   slices.Clone(cfg.PortSequence.Ports),
		timeout: time.Duration(cfg.PortSequence.TimeoutMillis) * time.Millisecond,
		now:     o.now,
	}
}

func (k *PortSequence) CheckPacket(p *model.PacketContext) {
	if p == nil || p.Proto != model.TCP || !p.HasTransport {
		return
	}

	k.mu.Lock()
	now := k.now()
	if k.index > 0 && now.Sub(k.startedAt) >= k.timeout {
		k.logger.Debug("Port sequence timed out", "knock", k.desc, "progress", k.index)
		k.index = 0
	}
	if p.DstPort != k.ports[k.index] {
		k.mu.Unlock()
		return
	}
	if k.index == 0 {
		k.startedAt = now
	}
	k.index++
	done := k.index == len(k.ports)
	if done {
		k.index = 0
	}
	k.mu.Unlock()

	if done {
		if k.sources.Admits(p.SrcIP) {
			k.fireSuccess(p)
		} else {
			k.fireBadSource(p)
		}
	}
}

// Progress reports how many ports of the sequence have been seen.
func (k *PortSequence) Progress() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index
}

// Descriptor reports the configured sequence; progress is transient and not included.
func (k *PortSequence) Descriptor() *model.Descriptor {
	return k.cfg.Clone()
}
