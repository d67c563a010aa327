package stats

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// HostRaw is an unvalidated host snapshot. Nil fields mean "unknown".
type HostRaw struct {
	CPUUsagePercent    *float64
	CPUFrequencyMHz    *float64
	RAMUsedGB          *float64
	RAMAvailableGB     *float64
	NetBytesReceivedMB *float64
	NetBytesSentMB     *float64
}

// GPURaw is an unvalidated accelerator snapshot.
type GPURaw struct {
	GPUID              *int
	Name               string
	RAMUsedMB          *float64
	RAMAvailableMB     *float64
	TemperatureCelsius *float64
}

// FieldError describes one field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError reports every field of a record that failed validation.
type ValidationError struct {
	Kind   Kind
	GPUID  *int
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	if e.GPUID != nil {
		return fmt.Sprintf("invalid %s record (gpu_id=%d): %s", e.Kind, *e.GPUID, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("invalid %s record: %s", e.Kind, strings.Join(parts, "; "))
}

// FieldNames lists the failing field names in order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return names
}

type bounds struct {
	min, max float64
}

var (
	percentBounds     = bounds{min: 0, max: 100}
	nonNegativeBounds = bounds{min: 0, max: math.Inf(1)}
	anyBounds         = bounds{min: math.Inf(-1), max: math.Inf(1)}
)

type checker struct {
	fields []FieldError
}

// value rounds v to two decimals and checks it against b. Rounding happens
// first so a value such as 100.004 is accepted as 100.
func (c *checker) value(field string, v *float64, b bounds) *float64 {
	if v == nil {
		return nil
	}
	rounded := Round2(*v)
	switch {
	case math.IsNaN(rounded):
		c.fields = append(c.fields, FieldError{Field: field, Reason: "not a number"})
		return nil
	case math.IsInf(rounded, 0):
		c.fields = append(c.fields, FieldError{Field: field, Reason: "infinite"})
		return nil
	case rounded < b.min:
		c.fields = append(c.fields, FieldError{Field: field, Reason: fmt.Sprintf("%v below minimum %v", rounded, b.min)})
		return nil
	case rounded > b.max:
		c.fields = append(c.fields, FieldError{Field: field, Reason: fmt.Sprintf("%v above maximum %v", rounded, b.max)})
		return nil
	}
	return &rounded
}

// ValidateHost converts a raw host snapshot collected at the given instant
// into a HostSample.
func ValidateHost(raw HostRaw, at time.Time) (HostSample, error) {
	var c checker
	sample := HostSample{
		Timestamp:          at,
		CPUUsagePercent:    c.value("cpu_usage_percent", raw.CPUUsagePercent, percentBounds),
		CPUFrequencyMHz:    c.value("cpu_frequency_mhz", raw.CPUFrequencyMHz, nonNegativeBounds),
		RAMUsedGB:          c.value("ram_used_gb", raw.RAMUsedGB, nonNegativeBounds),
		RAMAvailableGB:     c.value("ram_available_gb", raw.RAMAvailableGB, nonNegativeBounds),
		NetBytesReceivedMB: c.value("net_bytes_received_mb", raw.NetBytesReceivedMB, nonNegativeBounds),
		NetBytesSentMB:     c.value("net_bytes_sent_mb", raw.NetBytesSentMB, nonNegativeBounds),
	}
	if len(c.fields) > 0 {
		return HostSample{}, &ValidationError{Kind: KindHost, Fields: c.fields}
	}
	return sample, nil
}

// ValidateGPU converts a raw accelerator snapshot into a GPUSample.
func ValidateGPU(raw GPURaw, at time.Time) (GPUSample, error) {
	var c checker
	switch {
	case raw.GPUID == nil:
		c.fields = append(c.fields, FieldError{Field: "gpu_id", Reason: "required"})
	case *raw.GPUID < 0:
		c.fields = append(c.fields, FieldError{Field: "gpu_id", Reason: "negative"})
	}

	sample := GPUSample{
		Timestamp:          at,
		RAMUsedMB:          c.value("ram_used_mb", raw.RAMUsedMB, nonNegativeBounds),
		RAMAvailableMB:     c.value("ram_available_mb", raw.RAMAvailableMB, nonNegativeBounds),
		TemperatureCelsius: c.value("temperature_celsius", raw.TemperatureCelsius, anyBounds),
	}
	if len(c.fields) > 0 {
		return GPUSample{}, &ValidationError{Kind: KindGPU, GPUID: raw.GPUID, Fields: c.fields}
	}
	sample.GPUID = *raw.GPUID
	return sample, nil
}

// roundLimit is where float64 stops carrying hundredths, so rounding would
// only risk overflowing v*100.
const roundLimit = 1e15

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > roundLimit {
		return v
	}
	return math.Round(v*100) / 100
}
