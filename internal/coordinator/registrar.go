package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/models"
)

// registerBackoff is the retry schedule for reaching the coordinator. The
// last entry repeats until registration succeeds or the registrar stops.
var registerBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// StatsSource supplies live load counts for heartbeats. *pool.Pool
// implements it.
type StatsSource interface {
	Stats(ctx context.Context) (models.PoolStats, error)
}

// Registrar is the runner-side agent: it registers this node with the
// coordinator, heartbeats load counts, and deregisters on graceful shutdown.
type Registrar struct {
	cfg      *config.Config
	pool     StatsSource
	log      *logger.Logger
	client   *http.Client
	runnerID string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistrar(cfg *config.Config, stats StatsSource, log *logger.Logger) *Registrar {
	id := cfg.Runner.ID
	if id == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "runner"
		}
		id = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return &Registrar{
		cfg:  cfg,
		pool: stats,
		log: log.WithFields(
			zap.String("component", "registrar"),
			zap.String("runner_id", id)),
		client:   &http.Client{Timeout: 10 * time.Second},
		runnerID: id,
		stopCh:   make(chan struct{}),
	}
}

// RunnerID returns this node's registry id.
func (r *Registrar) RunnerID() string { return r.runnerID }

// Start launches the register-then-heartbeat loop. No-op unless a
// coordinator URL is configured.
func (r *Registrar) Start() {
	if r.cfg.Runner.CoordinatorURL == "" {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop halts heartbeats and deregisters, so the coordinator pauses this
// node's sessions immediately instead of waiting out the liveness window.
func (r *Registrar) Stop(ctx context.Context) {
	if r.cfg.Runner.CoordinatorURL == "" {
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	if err := r.post(ctx, "/internal/runners/deregister", DeregisterRequest{ID: r.runnerID}); err != nil {
		r.log.Warn("deregister failed", zap.Error(err))
		return
	}
	r.log.Info("deregistered from coordinator")
}

func (r *Registrar) run() {
	defer r.wg.Done()

	if !r.registerWithBackoff() {
		return
	}

	ticker := time.NewTicker(r.cfg.Coordinator.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			err := r.heartbeat()
			if err == nil {
				continue
			}
			r.log.Warn("heartbeat failed", zap.Error(err))
			if apperrors.IsNotFound(err) {
				// The registry lost our row: coordinator restarted or the
				// sweep retired us during a network blip.
				if !r.registerWithBackoff() {
					return
				}
			}
		}
	}
}

// registerWithBackoff retries registration until it succeeds. Returns false
// when the registrar was stopped while waiting.
func (r *Registrar) registerWithBackoff() bool {
	for attempt := 0; ; attempt++ {
		err := r.register()
		if err == nil {
			r.log.Info("registered with coordinator",
				zap.String("coordinator_url", r.cfg.Runner.CoordinatorURL))
			return true
		}

		delay := registerBackoff[min(attempt, len(registerBackoff)-1)]
		r.log.Warn("registration failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", delay))
		select {
		case <-r.stopCh:
			return false
		case <-time.After(delay):
		}
	}
}

func (r *Registrar) register() error {
	port := r.cfg.Runner.AdvertisePort
	if port == 0 {
		port = r.cfg.Server.Port
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.post(ctx, "/internal/runners/register", RegisterRequest{
		ID:           r.runnerID,
		Host:         r.cfg.Runner.AdvertiseHost,
		Port:         port,
		MaxSandboxes: r.cfg.Pool.MaxSandboxes,
	})
}

func (r *Registrar) heartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := r.pool.Stats(ctx)
	if err != nil {
		return apperrors.Wrap(err, "failed to read pool stats")
	}
	return r.post(ctx, "/internal/runners/heartbeat", HeartbeatRequest{
		ID:      r.runnerID,
		Active:  stats.Warm + stats.Waiting + stats.Running,
		Warming: stats.Warming,
	})
}

func (r *Registrar) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(r.cfg.Runner.CoordinatorURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.InternalSecret != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.InternalSecret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeRemoteError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
