package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	resourceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised process.",
		}, []string{"instance"},
	)
	resourceMemoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the supervised process.",
		}, []string{"instance"},
	)
	resourceThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "threads",
			Help:      "Thread count of the supervised process.",
		}, []string{"instance"},
	)
	resourceFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "open_fds",
			Help:      "Open file descriptors of the supervised process (Unix only).",
		}, []string{"instance"},
	)
)

// ResourceUsage is a point-in-time sample for one supervised process.
type ResourceUsage struct {
	InstanceID string    `json:"instance_id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PIDSource reports the live instance to PID mapping at sample time.
type PIDSource func() map[string]int

// ResourceSampler periodically samples CPU and memory usage of the
// supervised processes and exports them as gauges. A process handle is
// cached per PID so CPUPercent is computed against the previous sample.
type ResourceSampler struct {
	source   PIDSource
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	handles map[int]*process.Process
	latest  map[string]ResourceUsage

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewResourceSampler builds a sampler polling source every interval.
// A non-positive interval defaults to 15 seconds.
func NewResourceSampler(source PIDSource, interval time.Duration, logger *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceSampler{
		source:   source,
		interval: interval,
		logger:   logger,
		handles:  make(map[int]*process.Process),
		latest:   make(map[string]ResourceUsage),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run samples until Stop is called or ctx is cancelled.
func (s *ResourceSampler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// Stop ends the Run loop and waits for it to finish.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// SampleOnce polls every live PID and updates the gauges. Instances that
// disappeared since the previous sample have their series removed.
func (s *ResourceSampler) SampleOnce() {
	pids := s.source()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for instance := range s.latest {
		if _, ok := pids[instance]; !ok {
			delete(s.latest, instance)
			resourceCPUPercent.DeleteLabelValues(instance)
			resourceMemoryRSS.DeleteLabelValues(instance)
			resourceThreads.DeleteLabelValues(instance)
			resourceFDs.DeleteLabelValues(instance)
		}
	}

	alive := make(map[int]struct{}, len(pids))
	for instance, pid := range pids {
		if pid <= 0 {
			continue
		}
		alive[pid] = struct{}{}
		usage, err := s.samplePID(instance, pid, now)
		if err != nil {
			s.logger.Debug("resource sample failed", "instance", instance, "pid", pid, "error", err)
			continue
		}
		s.latest[instance] = usage
		if regOK.Load() {
			resourceCPUPercent.WithLabelValues(instance).Set(usage.CPUPercent)
			resourceMemoryRSS.WithLabelValues(instance).Set(float64(usage.MemoryRSS))
			resourceThreads.WithLabelValues(instance).Set(float64(usage.NumThreads))
			if usage.NumFDs > 0 {
				resourceFDs.WithLabelValues(instance).Set(float64(usage.NumFDs))
			}
		}
	}
	for pid := range s.handles {
		if _, ok := alive[pid]; !ok {
			delete(s.handles, pid)
		}
	}
}

func (s *ResourceSampler) samplePID(instance string, pid int, now time.Time) (ResourceUsage, error) {
	h, ok := s.handles[pid]
	if !ok {
		var err error
		h, err = process.NewProcess(int32(pid))
		if err != nil {
			return ResourceUsage{}, err
		}
		s.handles[pid] = h
	}

	usage := ResourceUsage{InstanceID: instance, PID: int32(pid), Timestamp: now}
	// First call per handle returns 0; later calls measure against it.
	if cpu, err := h.Percent(0); err == nil {
		usage.CPUPercent = cpu
	}
	if mem, err := h.MemoryInfo(); err == nil && mem != nil {
		usage.MemoryRSS = mem.RSS
	}
	if n, err := h.NumThreads(); err == nil {
		usage.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := h.NumFDs(); err == nil {
			usage.NumFDs = n
		}
	}
	return usage, nil
}

// Latest returns the most recent sample per instance.
func (s *ResourceSampler) Latest() map[string]ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ResourceUsage, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}
