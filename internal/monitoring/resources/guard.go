package resources

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Trimmer releases idle resources under memory pressure. Implemented by the
// connection pool.
type Trimmer interface {
	TrimIdle(min int) int
}

// MemoryGuard watches process and system memory and runs the emergency
// protection path (forced GC plus idle-connection trim) when the limit is
// crossed.
type MemoryGuard struct {
	sampler  Sampler
	limitMB  uint64
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	trimmers []Trimmer
	lastTrip time.Time
}

// NewMemoryGuard creates a guard; limitMB bounds process heap usage.
func NewMemoryGuard(sampler Sampler, limitMB int, interval time.Duration, log *slog.Logger) *MemoryGuard {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &MemoryGuard{
		sampler:  sampler,
		limitMB:  uint64(limitMB),
		interval: interval,
		log:      log,
	}
}

// Register adds a trimmer consulted on memory pressure.
func (g *MemoryGuard) Register(t Trimmer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trimmers = append(g.trimmers, t)
}

// Run loops until ctx is done, checking memory each interval.
func (g *MemoryGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check()
		}
	}
}

// Protect runs the emergency path immediately, independent of the loop. The
// executor calls this when a query fails with resource exhaustion.
func (g *MemoryGuard) Protect() {
	g.mu.Lock()
	// Rate limit: back-to-back failures should not stack GC cycles.
	if time.Since(g.lastTrip) < 10*time.Second {
		g.mu.Unlock()
		return
	}
	g.lastTrip = time.Now()
	trimmers := make([]Trimmer, len(g.trimmers))
	copy(trimmers, g.trimmers)
	g.mu.Unlock()

	runtime.GC()
	debug.FreeOSMemory()

	trimmed := 0
	for _, t := range trimmers {
		trimmed += t.TrimIdle(2)
	}
	g.log.Warn("memory protection triggered", "connections_trimmed", trimmed)
}

func (g *MemoryGuard) check() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := ms.HeapAlloc / (1024 * 1024)

	if heapMB >= g.limitMB {
		g.log.Warn("process memory limit exceeded", "heap_mb", heapMB, "limit_mb", g.limitMB)
		g.Protect()
		return
	}

	snap, err := g.sampler.Sample()
	if err != nil {
		g.log.Debug("resource sample failed", "error", err)
		return
	}
	if snap.MemoryPercent >= 95 {
		g.log.Warn("system memory pressure", "used_pct", snap.MemoryPercent)
		g.Protect()
	}
}
