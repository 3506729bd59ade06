package quicbench

//
// Per-flow metric log parsing
//

import (
	"bufio"
	"encoding/json"
	"os"
)

// FlowRecord is one periodic progress record written by a client: an
// elapsed-time bucket, the bytes sent since the previous bucket, and an
// observed round-trip estimate.
type FlowRecord struct {
	// TimeSec is the elapsed-time bucket in seconds.
	TimeSec int `json:"time"`

	// RTTMillis is the observed round-trip estimate in milliseconds.
	RTTMillis float64 `json:"rtt_ms"`

	// BytesSent is the number of bytes sent during this bucket.
	BytesSent int64 `json:"bytes_sent"`
}

// FlowLogWriter appends metric records to a JSONL file. Each record
// reaches the file before Record returns, so a process terminated at the
// experiment deadline leaves every completed record on disk and loses at
// most the line it was writing.
type FlowLogWriter struct {
	// encoder encodes records onto file.
	encoder *json.Encoder

	// file is the underlying file.
	file *os.File
}

// NewFlowLogWriter creates a [FlowLogWriter] appending to path.
func NewFlowLogWriter(path string) (*FlowLogWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FlowLogWriter{
		encoder: json.NewEncoder(file),
		file:    file,
	}, nil
}

// Record appends one record as a single JSON line.
func (w *FlowLogWriter) Record(record FlowRecord) error {
	return w.encoder.Encode(record)
}

// Close closes the underlying file.
func (w *FlowLogWriter) Close() error {
	return w.file.Close()
}

// FlowLogSource reads back the metric records of one flow. It isolates
// log-based reconstruction from aggregation so that a streaming source
// could replace it without touching the aggregation logic.
type FlowLogSource interface {
	// ReadFlowMetrics returns the flow's records in file order. A missing
	// or unreadable log yields an error; the caller degrades that flow
	// rather than aborting the experiment.
	ReadFlowMetrics(flow FlowLog) ([]FlowRecord, error)
}

// JSONLFlowLogSource reads JSONL metric files, one record per line. It is
// the [FlowLogSource] matching the reference client's output format.
type JSONLFlowLogSource struct {
	// Logger is the MANDATORY logger.
	Logger Logger
}

var _ FlowLogSource = &JSONLFlowLogSource{}

// ReadFlowMetrics implements FlowLogSource. Partial or truncated lines,
// such as the last line of a process killed mid-write, are discarded.
func (src *JSONLFlowLogSource) ReadFlowMetrics(flow FlowLog) ([]FlowRecord, error) {
	file, err := os.Open(flow.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []FlowRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record FlowRecord
		if err := json.Unmarshal(line, &record); err != nil {
			src.Logger.Debugf("flowlog: %s: discarding malformed line: %s", flow.FlowID, err.Error())
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
