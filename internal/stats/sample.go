// Package stats defines the validated telemetry records persisted by the
// collector and the validator that produces them from raw snapshots.
package stats

import "time"

// Kind identifies the entity kind of a record.
type Kind string

const (
	KindHost Kind = "host"
	KindGPU  Kind = "gpu"
)

// Record is a validated sample ready for persistence. Only HostSample and
// GPUSample implement it.
type Record interface {
	Kind() Kind
	CollectedAt() time.Time
	record()
}

// HostSample is the aggregate CPU, memory and network record of one cycle.
// Pointer fields serialize as null when the metric was unavailable.
type HostSample struct {
	Timestamp          time.Time `json:"time"`
	CPUUsagePercent    *float64  `json:"cpu_usage_percent"`
	CPUFrequencyMHz    *float64  `json:"cpu_frequency_mhz"`
	RAMUsedGB          *float64  `json:"ram_used_gb"`
	RAMAvailableGB     *float64  `json:"ram_available_gb"`
	NetBytesReceivedMB *float64  `json:"net_bytes_received_mb"`
	NetBytesSentMB     *float64  `json:"net_bytes_sent_mb"`
}

// GPUSample is the memory and temperature record of one accelerator.
type GPUSample struct {
	Timestamp          time.Time `json:"time"`
	GPUID              int       `json:"gpu_id"`
	RAMUsedMB          *float64  `json:"ram_used_mb"`
	RAMAvailableMB     *float64  `json:"ram_available_mb"`
	TemperatureCelsius *float64  `json:"temperature_celsius"`
}

func (HostSample) Kind() Kind { return KindHost }

func (s HostSample) CollectedAt() time.Time { return s.Timestamp }

func (HostSample) record() {}

func (GPUSample) Kind() Kind { return KindGPU }

func (s GPUSample) CollectedAt() time.Time { return s.Timestamp }

func (GPUSample) record() {}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
