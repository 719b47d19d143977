package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/ashstack/ash/internal/common/errors"
)

// Wire types for the internal registry API and the runner API. The registry
// endpoints live on the coordinator; the sandbox endpoints on each runner.

// RegisterRequest announces a runner to the coordinator.
type RegisterRequest struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

// HeartbeatRequest refreshes a runner's liveness and load counts.
type HeartbeatRequest struct {
	ID      string `json:"id"`
	Active  int    `json:"active"`
	Warming int    `json:"warming"`
}

// DeregisterRequest removes a runner from the registry on graceful shutdown.
type DeregisterRequest struct {
	ID string `json:"id"`
}

// CreateSandboxRequest asks a runner to provision a sandbox for a session.
type CreateSandboxRequest struct {
	SessionID string `json:"sessionId"`
	Tenant    string `json:"tenant"`
	AgentName string `json:"agentName"`
	AgentDir  string `json:"agentDir"`
}

// CreateSandboxResponse reports the provisioned sandbox.
type CreateSandboxResponse struct {
	SandboxID     string `json:"sandboxId"`
	RestoreSource string `json:"restoreSource"`
}

// LivenessResponse answers the per-sandbox liveness probe.
type LivenessResponse struct {
	SandboxID string `json:"sandboxId"`
	Alive     bool   `json:"alive"`
}

// ErrorResponse is the error envelope every ash HTTP surface writes. The
// embedded AppError round-trips its code, so typed checks like IsCapacityFull
// keep working across runner boundaries.
type ErrorResponse struct {
	Error *apperrors.AppError `json:"error"`
}

const maxErrorBodySize = 1 << 20

// decodeRemoteError turns a non-200 response into an AppError, preserving the
// remote code and status when the body carries the standard envelope.
func decodeRemoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil &&
		envelope.Error != nil && envelope.Error.Code != "" {
		if envelope.Error.HTTPStatus == 0 {
			envelope.Error.HTTPStatus = resp.StatusCode
		}
		return envelope.Error
	}

	return &apperrors.AppError{
		Code:       apperrors.ErrCodeInternalError,
		Message:    fmt.Sprintf("runner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		HTTPStatus: resp.StatusCode,
	}
}
