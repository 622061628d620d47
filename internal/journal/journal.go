// Package journal records agent channel traffic as JSON Lines: a header line
// followed by one [offset, direction, data] event per frame.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction says which way a frame travelled.
type Direction string

const (
	Inbound  Direction = "i"
	Outbound Direction = "o"
)

// Header is the first line of a journal.
type Header struct {
	Version    int    `json:"version"`
	ConnID     string `json:"connId"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Event is one recorded frame.
// Format: [time_offset, direction, data]
type Event struct {
	TimeOffset float64
	Direction  Direction
	Data       string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Direction, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	direction, ok := arr[1].(string)
	if !ok || (direction != string(Inbound) && direction != string(Outbound)) {
		return fmt.Errorf("invalid direction %v", arr[1])
	}
	eventData, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.TimeOffset = timeOffset
	e.Direction = Direction(direction)
	e.Data = eventData
	return nil
}

// Recorder writes one connection's journal.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewRecorder creates a Recorder writing to filePath.
func NewRecorder(filePath string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal file: %w", err)
	}
	return &Recorder{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewRecorderWithWriter creates a Recorder that writes to w.
func NewRecorderWithWriter(w io.Writer) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteHeader writes the journal header. Call it once, first.
func (r *Recorder) WriteHeader(connID, remoteAddr string) error {
	header := Header{
		Version:    1,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		Timestamp:  r.startTime.Unix(),
	}
	return r.writeLine(header)
}

// WriteFrame records a frame. Binary frames are CBOR and are stored in
// diagnostic notation so the journal stays readable.
func (r *Recorder) WriteFrame(dir Direction, binary bool, data []byte) error {
	text := string(data)
	if binary {
		diag, err := cbor.Diagnose(data)
		if err != nil {
			diag = fmt.Sprintf("h'%x'", data)
		}
		text = diag
	}

	return r.writeLine(Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Direction:  dir,
		Data:       text,
	})
}

func (r *Recorder) writeLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal journal line: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal line: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns when recording started.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}

// Dir opens per-connection journals under a directory.
type Dir struct {
	path string
}

// NewDir creates the journal directory if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// Open starts a journal for one connection and writes its header.
func (d *Dir) Open(connID, remoteAddr string) (*Recorder, error) {
	rec, err := NewRecorder(filepath.Join(d.path, connID+".jsonl"))
	if err != nil {
		return nil, err
	}
	if err := rec.WriteHeader(connID, remoteAddr); err != nil {
		rec.Close()
		return nil, err
	}
	return rec, nil
}

// Read parses a journal back into its header and events.
func Read(r io.Reader) (*Header, []Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 32*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("empty journal")
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, nil, fmt.Errorf("invalid journal header: %w", err)
	}

	var events []Event
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, nil, fmt.Errorf("invalid journal event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return &header, events, nil
}
