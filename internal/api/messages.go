// Package api defines the WebSocket payloads of the status server.
package api

import (
	"github.com/skobkin/pcstats-logger/internal/gpu"
	"github.com/skobkin/pcstats-logger/internal/pipeline"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int64           `json:"interval_ms"`
	GPUs       []gpu.Info      `json:"gpus"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, gpus []gpu.Info, features map[string]bool) HelloMessage {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		GPUs:       gpus,
		Features:   features,
	}
}

// ReportMessage wraps a cycle report for transport.
type ReportMessage struct {
	Type string `json:"type"`
	pipeline.Report
}

// NewReportMessage constructs a report payload.
func NewReportMessage(report pipeline.Report) ReportMessage {
	return ReportMessage{
		Type:   "report",
		Report: report,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
