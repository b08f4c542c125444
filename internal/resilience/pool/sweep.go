package pool

import (
	"context"
	"time"
)

const (
	sweepInterval  = 10 * time.Second
	staleAfter     = 5 * time.Minute
	leakFactor     = 1.5
	pressureMinPct = 90.0
	pressureKeep   = 2
)

// RunSweeper periodically inspects every bucket: counters beyond the leak
// factor are treated as connection leaks and stale members are force-closed,
// and under system memory pressure idle connections are trimmed down to a
// small floor per bucket.
func (p *Pool) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.RLock()
	type entry struct {
		key Key
		b   *bucket
	}
	entries := make([]entry, 0, len(p.buckets))
	for k, b := range p.buckets {
		entries = append(entries, entry{k, b})
	}
	p.mu.RUnlock()

	leakCeiling := int(float64(p.maxConns) * leakFactor)

	for _, e := range entries {
		e.b.mu.Lock()
		if e.b.active > leakCeiling {
			// Counter drifted past anything Acquire could legitimately hand
			// out: assume leaked connections, drop stale free members and
			// clamp the counter.
			closed := 0
			kept := e.b.free[:0]
			for _, c := range e.b.free {
				if time.Since(c.lastUsed) > staleAfter {
					_ = c.Close()
					closed++
				} else {
					kept = append(kept, c)
				}
			}
			e.b.free = kept
			e.b.active = p.maxConns
			e.b.mu.Unlock()
			p.log.Error("connection leak detected, bucket clamped",
				"bucket", e.key.String(), "stale_closed", closed)
			p.publish(e.key, e.b)
			continue
		}
		e.b.mu.Unlock()
	}

	if p.sampler == nil {
		return
	}
	snap, err := p.sampler.Sample()
	if err != nil {
		return
	}
	if snap.MemoryPercent >= pressureMinPct {
		trimmed := p.TrimIdle(pressureKeep)
		if trimmed > 0 {
			p.log.Warn("trimmed idle connections under memory pressure",
				"trimmed", trimmed, "memory_pct", snap.MemoryPercent)
		}
	}
}
