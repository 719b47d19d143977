// Package bridge implements the control protocol between ash and the
// per-sandbox bridge process: newline-delimited JSON frames over a Unix
// domain socket, plus the supervisor that owns the child process.
package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Command names accepted by the bridge.
const (
	CmdQuery     = "query"
	CmdResume    = "resume"
	CmdInterrupt = "interrupt"
	CmdShutdown  = "shutdown"
)

// Event names emitted by the bridge.
const (
	EvReady   = "ready"
	EvMessage = "message"
	EvError   = "error"
	EvDone    = "done"

	// EvCrash is synthesized by the supervisor when the bridge process dies
	// mid-stream. It never appears on the wire.
	EvCrash = "crash"
)

// Command is a frame sent from ash to the bridge.
type Command struct {
	Cmd                    string `json:"cmd"`
	Prompt                 string `json:"prompt,omitempty"`
	SessionID              string `json:"sessionId,omitempty"`
	IncludePartialMessages bool   `json:"includePartialMessages,omitempty"`
}

// Event is a frame sent from the bridge to ash. Data is forwarded verbatim
// to SSE clients; the supervisor never interprets it.
type Event struct {
	Ev        string          `json:"ev"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	OOM       bool            `json:"oom,omitempty"`
}

var validCommands = map[string]bool{
	CmdQuery:     true,
	CmdResume:    true,
	CmdInterrupt: true,
	CmdShutdown:  true,
}

var validEvents = map[string]bool{
	EvReady:   true,
	EvMessage: true,
	EvError:   true,
	EvDone:    true,
}

// Encoder writes frames to a stream. Each frame is the JSON encoding of the
// value followed by a single LF.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// EncodeCommand writes one command frame.
func (e *Encoder) EncodeCommand(cmd *Command) error {
	if !validCommands[cmd.Cmd] {
		return fmt.Errorf("unknown command %q", cmd.Cmd)
	}
	return e.encode(cmd)
}

// EncodeEvent writes one event frame.
func (e *Encoder) EncodeEvent(ev *Event) error {
	if !validEvents[ev.Ev] {
		return fmt.Errorf("unknown event %q", ev.Ev)
	}
	return e.encode(ev)
}

func (e *Encoder) encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Decoder reads frames from a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// DecodeCommand reads one command frame. A partial frame at EOF is an error.
func (d *Decoder) DecodeCommand() (*Command, error) {
	line, err := d.readFrame()
	if err != nil {
		return nil, err
	}
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command frame: %w", err)
	}
	if !validCommands[cmd.Cmd] {
		return nil, fmt.Errorf("unknown command %q", cmd.Cmd)
	}
	return &cmd, nil
}

// DecodeEvent reads one event frame. A partial frame at EOF is an error.
func (d *Decoder) DecodeEvent() (*Event, error) {
	line, err := d.readFrame()
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}
	if !validEvents[ev.Ev] {
		return nil, fmt.Errorf("unknown event %q", ev.Ev)
	}
	return &ev, nil
}

func (d *Decoder) readFrame() ([]byte, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
			return nil, fmt.Errorf("truncated frame at EOF: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return line, nil
}
