package telemetry

import (
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// Sampler reads process-level CPU and memory usage for metric snapshots.
// Readings are best-effort; a failed read reports zero.
type Sampler struct {
	proc   *process.Process
	logger *slog.Logger
}

// NewSampler creates a sampler for the current process.
func NewSampler(logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process sampler unavailable", "error", err)
		proc = nil
	}
	return &Sampler{proc: proc, logger: logger}
}

// CPUPercent returns the process CPU usage since the previous call.
func (s *Sampler) CPUPercent() float64 {
	if s.proc == nil {
		return 0
	}
	pct, err := s.proc.Percent(0)
	if err != nil {
		return 0
	}
	return pct
}

// MemoryMB returns the process resident set size in megabytes.
func (s *Sampler) MemoryMB() float64 {
	if s.proc == nil {
		return 0
	}
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
