package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashstack/ash/internal/bridge"
)

// conversationFile is the per-session log inside the workspace. It rides
// along in snapshots, so a cold-resumed sandbox starts with the full
// history.
const conversationFile = "conversation.jsonl"

// wordsPerChunk is the partial-message granularity.
const wordsPerChunk = 4

// logEntry is one line of the conversation log.
type logEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type agentConfig struct {
	WorkspaceDir string
	SessionID    string
	ChunkDelay   time.Duration
	Timing       bool
}

// agent holds one bridge process's conversation state.
type agent struct {
	cfg     agentConfig
	logPath string
	history []logEntry
}

func newAgent(cfg agentConfig) *agent {
	dir := cfg.WorkspaceDir
	if dir == "" {
		dir = "."
	}
	a := &agent{cfg: cfg, logPath: filepath.Join(dir, conversationFile)}
	// The workspace restore runs before the bridge starts, so any prior
	// conversation is already on disk.
	a.loadHistory()
	return a
}

// run serves one control connection until shutdown or disconnect.
func (a *agent) run(conn net.Conn) error {
	enc := bridge.NewEncoder(conn)
	dec := bridge.NewDecoder(conn)

	if err := enc.EncodeEvent(&bridge.Event{Ev: bridge.EvReady, SessionID: a.cfg.SessionID}); err != nil {
		return err
	}

	// Commands are decoded on their own goroutine so an interrupt can land
	// while a turn is streaming.
	commands := make(chan *bridge.Command)
	readErr := make(chan error, 1)
	go func() {
		defer close(commands)
		for {
			cmd, err := dec.DecodeCommand()
			if err != nil {
				readErr <- err
				return
			}
			commands <- cmd
		}
	}()

	for cmd := range commands {
		switch cmd.Cmd {
		case bridge.CmdQuery:
			stop, err := a.runTurn(enc, commands, readErr, cmd)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		case bridge.CmdResume:
			a.loadHistory()
		case bridge.CmdInterrupt:
			// No turn in flight, nothing to abort.
		case bridge.CmdShutdown:
			return nil
		}
	}
	return <-readErr
}

// runTurn answers one query. The reply streams as word chunks when partial
// messages were requested, otherwise as a single message event. Interrupt
// aborts between chunks; whatever was streamed still lands in the
// conversation log. Returns stop=true when a shutdown arrived mid-turn.
func (a *agent) runTurn(enc *bridge.Encoder, commands <-chan *bridge.Command, readErr <-chan error, cmd *bridge.Command) (bool, error) {
	start := time.Now()
	a.append(logEntry{Role: "user", Text: cmd.Prompt, At: time.Now().UTC()})

	// Scenario prompts for exercising the failure paths end to end.
	switch strings.TrimSpace(cmd.Prompt) {
	case "/crash":
		os.Exit(3)
	case "/oom":
		// The exit code of a kernel OOM kill (128+SIGKILL).
		os.Exit(137)
	case "/error":
		if err := enc.EncodeEvent(&bridge.Event{Ev: bridge.EvError, Error: "simulated agent failure", SessionID: a.cfg.SessionID}); err != nil {
			return false, err
		}
		return false, a.done(enc)
	}

	reply := a.replyTo(cmd.Prompt)
	chunks := []string{reply}
	if cmd.IncludePartialMessages {
		chunks = chunkWords(reply, wordsPerChunk)
	}

	var sent []string
streaming:
	for i, chunk := range chunks {
		payload, err := json.Marshal(map[string]string{"type": "text", "text": chunk})
		if err != nil {
			return false, err
		}
		if err := enc.EncodeEvent(&bridge.Event{Ev: bridge.EvMessage, Data: payload, SessionID: a.cfg.SessionID}); err != nil {
			return false, err
		}
		sent = append(sent, chunk)

		if i == len(chunks)-1 {
			break
		}
		select {
		case next, ok := <-commands:
			if !ok {
				// The socket died mid-turn.
				return false, <-readErr
			}
			switch next.Cmd {
			case bridge.CmdInterrupt:
				break streaming
			case bridge.CmdShutdown:
				return true, nil
			}
			// Another query mid-turn is a protocol violation; drop it.
		case <-time.After(a.cfg.ChunkDelay):
		}
	}

	a.append(logEntry{Role: "assistant", Text: strings.Join(sent, " "), At: time.Now().UTC()})
	if a.cfg.Timing {
		fmt.Fprintf(os.Stderr, "turn completed in %s\n", time.Since(start).Round(time.Millisecond))
	}
	return false, a.done(enc)
}

func (a *agent) done(enc *bridge.Encoder) error {
	return enc.EncodeEvent(&bridge.Event{Ev: bridge.EvDone, SessionID: a.cfg.SessionID})
}

// replyTo builds a deterministic canned reply so tests can assert on it.
func (a *agent) replyTo(prompt string) string {
	prior := len(a.history) - 1
	if prior > 0 {
		return fmt.Sprintf("Continuing a conversation with %d earlier entries. You said %q and I have nothing to add.", prior, prompt)
	}
	return fmt.Sprintf("You said %q and I have nothing to add.", prompt)
}

// loadHistory reads the conversation log, skipping malformed lines.
func (a *agent) loadHistory() {
	a.history = nil
	f, err := os.Open(a.logPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		a.history = append(a.history, entry)
	}
}

// append adds an entry to memory and the log file.
func (a *agent) append(entry logEntry) {
	a.history = append(a.history, entry)

	f, err := os.OpenFile(a.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open conversation log: %v\n", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write conversation log: %v\n", err)
	}
}

// chunkWords splits text into chunks of at most n words.
func chunkWords(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(words); start += n {
		end := start + n
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}
