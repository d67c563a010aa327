package pipeline

import (
	"encoding/json"
	"time"

	"github.com/skobkin/pcstats-logger/internal/stats"
)

// Stage names the pipeline step a record failed in.
type Stage string

const (
	StageCollect  Stage = "collect"
	StageValidate Stage = "validate"
	StageInsert   Stage = "insert"
)

// RecordError is one recovered per-record failure.
type RecordError struct {
	Kind  stats.Kind
	GPUID *int
	Stage Stage
	Err   error
}

func (e RecordError) Error() string {
	return e.Err.Error()
}

func (e RecordError) Unwrap() error {
	return e.Err
}

func (e RecordError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  stats.Kind `json:"kind"`
		GPUID *int       `json:"gpu_id,omitempty"`
		Stage Stage      `json:"stage"`
		Error string     `json:"error"`
	}{e.Kind, e.GPUID, e.Stage, e.Err.Error()})
}

// Report summarizes one cycle.
type Report struct {
	Time         time.Time         `json:"time"`
	HostInserted int               `json:"host_inserted"`
	GPUInserted  int               `json:"gpu_inserted"`
	Skipped      int               `json:"skipped"`
	Errors       []RecordError     `json:"errors"`
	NoData       bool              `json:"no_data"`
	Cause        string            `json:"cause,omitempty"`
	Degraded     string            `json:"gpu_degraded,omitempty"`
	Duration     time.Duration     `json:"duration_ns"`
	Host         *stats.HostSample `json:"host,omitempty"`
	GPUs         []stats.GPUSample `json:"gpus"`

	// Err is the cause of a NoData cycle.
	Err error `json:"-"`
}

func newReport() Report {
	return Report{Errors: []RecordError{}, GPUs: []stats.GPUSample{}}
}

// Batch is the validated output of the collecting and validating stages.
type Batch struct {
	Time    time.Time
	Records []stats.Record
	// Errors holds GPU records dropped by validation.
	Errors []RecordError
	// Degraded is set when GPU enumeration was unavailable.
	Degraded error
}
