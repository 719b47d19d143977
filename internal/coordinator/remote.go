package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/bridge"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/workspace"
)

const (
	// remoteControlTimeout bounds quick control calls: state marks, probes,
	// stats.
	remoteControlTimeout = 15 * time.Second

	// remoteHeavyTimeout bounds calls that move workspace data: create
	// (restore), persist, destroy.
	remoteHeavyTimeout = 2 * time.Minute

	// maxSSELineSize caps one SSE line from a runner. Bridge payloads are
	// single JSON documents, so a line holds a whole event.
	maxSSELineSize = 1 << 20
)

// RemoteBackend drives sandboxes on another runner over its HTTP API.
// Command streams arrive as SSE and are re-materialized into bridge events.
type RemoteBackend struct {
	runnerID string
	baseURL  string
	secret   string

	// No client-level timeout: query streams stay open for a whole turn.
	// Control calls bound themselves with per-request contexts.
	client *http.Client
	log    *logger.Logger
}

// NewRemoteBackend builds a backend for a registered runner row.
func NewRemoteBackend(r *models.Runner, secret string, log *logger.Logger) *RemoteBackend {
	return newRemoteBackend(r.ID, fmt.Sprintf("http://%s:%d", r.Host, r.Port), secret, log)
}

func newRemoteBackend(runnerID, baseURL, secret string, log *logger.Logger) *RemoteBackend {
	return &RemoteBackend{
		runnerID: runnerID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   secret,
		client:   &http.Client{},
		log: log.WithFields(
			zap.String("component", "remote-backend"),
			zap.String("runner_id", runnerID)),
	}
}

func (b *RemoteBackend) ID() string { return b.runnerID }

func (b *RemoteBackend) CreateSandbox(ctx context.Context, req SandboxRequest) (*SandboxInfo, error) {
	payload := CreateSandboxRequest{
		SessionID: req.SessionID,
		Tenant:    req.Tenant,
		AgentName: req.AgentName,
		AgentDir:  req.AgentDir,
	}
	var resp CreateSandboxResponse
	if err := b.do(ctx, http.MethodPost, "/runner/sandboxes", payload, &resp, remoteHeavyTimeout); err != nil {
		return nil, err
	}
	return &SandboxInfo{
		SandboxID:     resp.SandboxID,
		RestoreSource: workspace.Source(resp.RestoreSource),
	}, nil
}

func (b *RemoteBackend) DestroySandbox(ctx context.Context, sandboxID, reason string) error {
	path := "/runner/sandboxes/" + url.PathEscape(sandboxID)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return b.do(ctx, http.MethodDelete, path, nil, nil, remoteHeavyTimeout)
}

// SendCommand relays one bridge command. Query commands stream the turn back
// as SSE; the pump converts each frame into a bridge event and closes the
// channel after done or crash. Other commands post and return a closed
// channel, mirroring the local backend.
func (b *RemoteBackend) SendCommand(ctx context.Context, sandboxID string, cmd *bridge.Command) (<-chan bridge.Event, error) {
	path := "/runner/sandboxes/" + url.PathEscape(sandboxID) + "/cmd"

	if cmd.Cmd != bridge.CmdQuery {
		if err := b.do(ctx, http.MethodPost, path, cmd, nil, remoteControlTimeout); err != nil {
			return nil, err
		}
		out := make(chan bridge.Event)
		close(out)
		return out, nil
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode bridge command")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build runner request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, apperrors.ServiceUnavailable("runner " + b.runnerID)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeRemoteError(resp)
	}

	out := make(chan bridge.Event)
	go b.pumpEvents(ctx, resp.Body, out)
	return out, nil
}

// pumpEvents parses the runner's SSE stream back into bridge events. A stream
// that ends without a terminal frame means the runner or its sandbox died
// mid-turn, so a crash event is synthesized for the consumer.
func (b *RemoteBackend) pumpEvents(ctx context.Context, body io.ReadCloser, out chan<- bridge.Event) {
	defer func() { _ = body.Close() }()

	sawTerminal := false
	defer func() {
		if !sawTerminal {
			crash := bridge.Event{Ev: bridge.EvCrash, Error: "runner event stream ended unexpectedly"}
			select {
			case out <- crash:
			case <-ctx.Done():
			}
		}
		close(out)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)

	var eventName string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "" && len(data) == 0 {
				continue
			}
			var ev bridge.Event
			if len(data) > 0 {
				if err := json.Unmarshal(data, &ev); err != nil {
					b.log.Warn("malformed event from runner",
						zap.String("event", eventName),
						zap.Error(err))
					eventName, data = "", nil
					continue
				}
			}
			if ev.Ev == "" {
				ev.Ev = eventName
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Ev == bridge.EvDone || ev.Ev == bridge.EvCrash {
				sawTerminal = true
				return
			}
			eventName, data = "", nil
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		case strings.HasPrefix(line, ":"):
			// Comment line, typically a keep-alive.
		}
	}
}

func (b *RemoteBackend) MarkRunning(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+url.PathEscape(sandboxID)+"/running", nil, nil, remoteControlTimeout)
}

func (b *RemoteBackend) MarkWaiting(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+url.PathEscape(sandboxID)+"/waiting", nil, nil, remoteControlTimeout)
}

func (b *RemoteBackend) PersistState(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+url.PathEscape(sandboxID)+"/persist", nil, nil, remoteHeavyTimeout)
}

// IsLive probes the runner for the sandbox's bridge process. Any transport or
// lookup failure counts as not live; callers fall back to a cold resume.
func (b *RemoteBackend) IsLive(ctx context.Context, sandboxID string) bool {
	var resp LivenessResponse
	err := b.do(ctx, http.MethodGet, "/runner/sandboxes/"+url.PathEscape(sandboxID), nil, &resp, remoteControlTimeout)
	return err == nil && resp.Alive
}

func (b *RemoteBackend) Stats(ctx context.Context) (models.PoolStats, error) {
	var stats models.PoolStats
	err := b.do(ctx, http.MethodGet, "/runner/stats", nil, &stats, remoteControlTimeout)
	return stats, err
}

// do performs one JSON request against the runner. out may be nil when the
// response body does not matter.
func (b *RemoteBackend) do(ctx context.Context, method, path string, in, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(err, "failed to encode runner request")
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return apperrors.Wrap(err, "failed to build runner request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return apperrors.ServiceUnavailable("runner " + b.runnerID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeRemoteError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, "failed to decode runner response")
	}
	return nil
}

func (b *RemoteBackend) authorize(req *http.Request) {
	if b.secret != "" {
		req.Header.Set("Authorization", "Bearer "+b.secret)
	}
}
