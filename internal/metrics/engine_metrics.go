package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultSampleInterval = 10 * time.Second
	DefaultHistorySize    = 60
)

// EngineSample is one resource reading of the engine process.
type EngineSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// EngineCollector samples CPU and memory of the engine process and keeps a
// bounded history of readings.
type EngineCollector struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	ring    []EngineSample
	start   int
	count   int
	proc    *process.Process
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewEngineCollector creates a collector. Zero values select defaults.
func NewEngineCollector(interval time.Duration, historySize int, logger *slog.Logger) *EngineCollector {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineCollector{
		interval: interval,
		logger:   logger,
		ring:     make([]EngineSample, historySize),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "cpu_percent",
			Help:      "CPU usage of the engine process.",
		}, []string{"pid"}),
		memoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the engine process.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "threads",
			Help:      "Number of engine threads.",
		}),
		numFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "open_fds",
			Help:      "Number of open file descriptors of the engine (Unix only).",
		}),
	}
}

// RegisterMetrics registers the collector gauges with r.
func (c *EngineCollector) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the process returned by pid every interval until ctx is done
// or Stop is called. A pid of 0 means the engine is not running.
func (c *EngineCollector) Start(ctx context.Context, pid func() int) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(pid())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (c *EngineCollector) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of pid. Gauges are reset when the engine is gone.
func (c *EngineCollector) Collect(pid int) {
	if pid <= 0 {
		c.reset()
		return
	}
	s, err := c.sample(int32(pid))
	if err != nil {
		c.logger.Debug("engine sample failed", "pid", pid, "error", err)
		c.reset()
		return
	}
	c.cpuPercent.Reset()
	c.cpuPercent.WithLabelValues(fmt.Sprint(pid)).Set(s.CPUPercent)
	c.memoryRSS.Set(float64(s.MemoryRSS))
	c.numThreads.Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.numFDs.Set(float64(s.NumFDs))
	}

	c.mu.Lock()
	idx := (c.start + c.count) % len(c.ring)
	c.ring[idx] = s
	if c.count < len(c.ring) {
		c.count++
	} else {
		c.start = (c.start + 1) % len(c.ring)
	}
	c.mu.Unlock()
}

func (c *EngineCollector) reset() {
	c.mu.Lock()
	c.proc = nil
	c.mu.Unlock()
	c.cpuPercent.Reset()
	c.memoryRSS.Set(0)
	c.numThreads.Set(0)
	c.numFDs.Set(0)
}

func (c *EngineCollector) sample(pid int32) (EngineSample, error) {
	// the handle is kept between samples so CPUPercent measures the interval
	c.mu.Lock()
	proc := c.proc
	if proc == nil || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return EngineSample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.proc, proc = p, p
	}
	c.mu.Unlock()

	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return EngineSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	s := EngineSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

// Latest returns the most recent sample.
func (c *EngineCollector) Latest() (EngineSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return EngineSample{}, false
	}
	return c.ring[(c.start+c.count-1)%len(c.ring)], true
}

// History returns the retained samples, oldest first.
func (c *EngineCollector) History() []EngineSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EngineSample, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.ring[(c.start+i)%len(c.ring)]
	}
	return out
}
