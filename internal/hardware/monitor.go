// Package hardware samples host telemetry in the background and publishes a
// latest-wins snapshot. Reads never block and never stall generation; missing
// backends degrade to zeros.
package hardware

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one point-in-time view of host telemetry. GPU fields come from
// the external telemetry binary; CPU/RAM from gopsutil.
type Snapshot struct {
	GPUUsage  float64 `json:"gpu_usage"`
	GPUPowerW float64 `json:"gpu_power"`
	GPUTemp   float64 `json:"gpu_temp"`
	CPUUsage  float64 `json:"cpu_usage"`
	RAMUsage  float64 `json:"ram_usage"`
	SOCTemp   float64 `json:"soc_temp"`
}

// Monitor runs a sampler goroutine at ≥2 Hz and, when configured, a reader
// for an external telemetry process emitting line-delimited JSON.
type Monitor struct {
	mu     sync.RWMutex
	latest Snapshot

	telemetryCmd []string
	interval     time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(telemetryCmd []string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		telemetryCmd: telemetryCmd,
		interval:     500 * time.Millisecond,
		logger:       logger,
	}
}

// Start launches the sampling loops. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.sampleLoop(ctx)

	if len(m.telemetryCmd) > 0 {
		m.wg.Add(1)
		go m.telemetryLoop(ctx)
	} else {
		m.logger.Info("no telemetry command configured; GPU stats will be 0")
	}
}

// Stop terminates the loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Snapshot returns a copy of the most recent values. Non-blocking.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPct := 0.0
			if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
				cpuPct = pcts[0]
			}
			ramPct := 0.0
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				ramPct = vm.UsedPercent
			}

			m.mu.Lock()
			m.latest.CPUUsage = cpuPct
			m.latest.RAMUsage = ramPct
			m.mu.Unlock()
		}
	}
}

// telemetryLoop runs the external telemetry binary and folds its line-JSON
// stream into the snapshot. The process is restarted after a short delay if
// it exits while the monitor is still running.
func (m *Monitor) telemetryLoop(ctx context.Context) {
	defer m.wg.Done()

	for ctx.Err() == nil {
		if err := m.runTelemetryOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("telemetry process exited", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (m *Monitor) runTelemetryOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.telemetryCmd[0], m.telemetryCmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var raw map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			continue
		}
		m.mu.Lock()
		m.latest.GPUUsage = coerceFloat(raw["gpu_usage"])
		m.latest.GPUPowerW = coerceFloat(raw["gpu_power"]) / 1000.0 // mW -> W
		m.latest.GPUTemp = coerceFloat(raw["gpu_temp_avg"])
		m.latest.SOCTemp = coerceFloat(raw["soc_temp"])
		m.mu.Unlock()
	}
	return cmd.Wait()
}

// coerceFloat tolerates the telemetry binary's shifting value shapes across
// versions: plain numbers, numeric strings, lists (averaged), and nested
// dicts with value/avg keys.
func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case nil:
		return 0
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		var f float64
		if err := json.Unmarshal([]byte(val), &f); err != nil {
			return 0
		}
		return f
	case []any:
		if len(val) == 0 {
			return 0
		}
		sum := 0.0
		for _, item := range val {
			sum += coerceFloat(item)
		}
		return sum / float64(len(val))
	case map[string]any:
		for _, key := range []string{"value", "avg", "average", "mean"} {
			if inner, ok := val[key]; ok {
				return coerceFloat(inner)
			}
		}
		if len(val) == 0 {
			return 0
		}
		sum := 0.0
		for _, item := range val {
			sum += coerceFloat(item)
		}
		return sum / float64(len(val))
	default:
		return 0
	}
}
