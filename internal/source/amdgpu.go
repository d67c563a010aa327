package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skobkin/pcstats-logger/internal/gpu"
	"github.com/skobkin/pcstats-logger/internal/stats"
)

const (
	vramUsedFilename  = "mem_info_vram_used"
	vramTotalFilename = "mem_info_vram_total"
	hwmonTempFile     = "temp1_input"
)

// AMDGPU samples DRM cards that expose amdgpu memory counters in sysfs.
type AMDGPU struct {
	sysfsRoot string
	logger    *slog.Logger
}

func (a *AMDGPU) Name() string { return BackendAMDGPU }

// Sample reads VRAM usage and edge temperature for every card with VRAM
// counters. The GPU id is the DRM card index.
func (a *AMDGPU) Sample(ctx context.Context) ([]stats.GPURaw, error) {
	cards, err := gpu.Discover(a.sysfsRoot, a.logger)
	if err != nil {
		return nil, err
	}

	var raws []stats.GPURaw
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		used, usedErr := readUint(filepath.Join(card.DevicePath, vramUsedFilename))
		total, totalErr := readUint(filepath.Join(card.DevicePath, vramTotalFilename))
		if usedErr != nil && totalErr != nil {
			a.logger.Debug("card lacks vram counters", "card", card.ID, "err", usedErr)
			continue
		}

		index := card.Index
		raw := stats.GPURaw{GPUID: &index, Name: card.Name}
		if usedErr == nil {
			raw.RAMUsedMB = stats.Float64(float64(used) / bytesPerMB)
		}
		if usedErr == nil && totalErr == nil && total >= used {
			raw.RAMAvailableMB = stats.Float64(float64(total-used) / bytesPerMB)
		}
		if hwmon := detectHwmon(card.DevicePath); hwmon != "" {
			if milli, err := readFloat(filepath.Join(hwmon, hwmonTempFile)); err == nil {
				raw.TemperatureCelsius = stats.Float64(milli / 1000)
			}
		}
		raws = append(raws, raw)
	}

	if len(raws) == 0 {
		return nil, errNoDevices
	}
	return raws, nil
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, nil
}

func readFloat(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, nil
}
