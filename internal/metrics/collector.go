// Package metrics provides process health metrics for GET /api/health,
// cached briefly so a dashboard polling every few seconds never triggers
// a fresh gopsutil syscall per request.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessHealth is the process-level snapshot returned in the health
// endpoint's process field.
type ProcessHealth struct {
	Status        string    `json:"status"`
	Goroutines    int       `json:"goroutines"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryMB      float64   `json:"memoryMb"`
	MemoryPercent float64   `json:"memoryPercent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Collector caches process metrics for a short TTL.
type Collector struct {
	startTime time.Time

	mu          sync.RWMutex
	cached      *ProcessHealth
	cacheExpiry time.Time
	ttl         time.Duration
}

// NewCollector creates a Collector with a 5s cache TTL.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), ttl: 5 * time.Second}
}

// Health returns the current process health, refreshing if the cache has
// expired.
func (c *Collector) Health(ctx context.Context) ProcessHealth {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cached
		c.mu.RUnlock()
		return health
	}
	c.mu.RUnlock()

	health := c.collect()

	c.mu.Lock()
	c.cached = &health
	c.cacheExpiry = time.Now().Add(c.ttl)
	c.mu.Unlock()

	return health
}

func (c *Collector) collect() ProcessHealth {
	health := ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Timestamp:     time.Now(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}
