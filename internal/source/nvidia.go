package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/skobkin/pcstats-logger/internal/stats"
)

var nvidiaQueryArgs = []string{
	"--query-gpu=index,memory.used,memory.free,temperature.gpu,name",
	"--format=csv,noheader,nounits",
}

// NVIDIA samples accelerators through nvidia-smi's query mode.
type NVIDIA struct {
	path string
	run  Runner
}

func (n *NVIDIA) Name() string { return BackendNVIDIA }

// Sample runs one nvidia-smi query and parses a row per GPU.
func (n *NVIDIA) Sample(ctx context.Context) ([]stats.GPURaw, error) {
	out, err := n.run(ctx, n.path, nvidiaQueryArgs...)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", n.path, err)
	}
	raws, err := parseNVIDIAQuery(out)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, errNoDevices
	}
	return raws, nil
}

func parseNVIDIAQuery(out []byte) ([]stats.GPURaw, error) {
	reader := csv.NewReader(bytes.NewReader(out))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var raws []stats.GPURaw
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi output: %w", err)
		}
		if len(row) < 4 {
			return nil, fmt.Errorf("parse nvidia-smi output: expected at least 4 columns, got %d", len(row))
		}

		raw := stats.GPURaw{
			RAMUsedMB:          parseNVIDIAValue(row[1]),
			RAMAvailableMB:     parseNVIDIAValue(row[2]),
			TemperatureCelsius: parseNVIDIAValue(row[3]),
		}
		// A malformed index is left nil for validation to reject.
		if index, err := strconv.Atoi(strings.TrimSpace(row[0])); err == nil {
			raw.GPUID = &index
		}
		if len(row) > 4 {
			raw.Name = strings.TrimSpace(row[4])
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// parseNVIDIAValue maps "[N/A]", "[Not Supported]" and blanks to nil.
func parseNVIDIAValue(field string) *float64 {
	field = strings.TrimSpace(field)
	if field == "" || strings.HasPrefix(field, "[") || strings.EqualFold(field, "N/A") {
		return nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return nil
	}
	return &v
}
