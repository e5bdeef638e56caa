package fota

import (
	"encoding/json"
	"os"
	"time"
)

// Event is one JSON log line of §4.9: FOTA_START, FOTA_FAIL, FOTA_SUCCESS.
type Event struct {
	Lvl    string         `json:"lvl"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// FinalLog is the payload POSTed to the log endpoint and then discarded,
// per §4.9/§6: "{jobId, final_status, duration_ms, events[]}".
type FinalLog struct {
	JobID       uint32  `json:"jobId"`
	FinalStatus string  `json:"final_status"`
	DurationMS  int64   `json:"duration_ms"`
	Events      []Event `json:"events"`
}

// EventLog accumulates FOTA events in the ephemeral log file (§6:
// "/fota_log.json"), rewriting the file on every Append so a crash
// mid-job leaves the events logged so far on disk.
type EventLog struct {
	path   string
	jobID  uint32
	start  time.Time
	events []Event
}

// NewEventLog creates (truncating any prior job's log) a fresh event log
// file for jobID.
func NewEventLog(path string, jobID uint32, start time.Time) (*EventLog, error) {
	l := &EventLog{path: path, jobID: jobID, start: start}
	if err := l.flush(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *EventLog) Append(lvl, msg string, fields map[string]any) error {
	l.events = append(l.events, Event{Lvl: lvl, Msg: msg, Fields: fields})
	return l.flush()
}

func (l *EventLog) flush() error {
	data, err := json.Marshal(l.events)
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0644)
}

// Build wraps the accumulated events into the POST payload of §4.9/§6:
// "{jobId, final_status, duration_ms, events[]}". It does not touch the
// local log file; the caller POSTs this to the log endpoint and only then
// calls Remove.
func (l *EventLog) Build(status string, now time.Time) FinalLog {
	return FinalLog{
		JobID:       l.jobID,
		FinalStatus: status,
		DurationMS:  now.Sub(l.start).Milliseconds(),
		Events:      l.events,
	}
}

// Remove deletes the local log file, per §4.9 step 7's ordering: only
// after the finalized payload has been POSTed to the log endpoint.
func (l *EventLog) Remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
