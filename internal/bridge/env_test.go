package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnvFiltersToAllowlist(t *testing.T) {
	parent := []string{
		"PATH=/usr/bin:/bin",
		"HOME=/home/ash",
		"LANG=en_US.UTF-8",
		"TERM=xterm-256color",
		"NODE_PATH=/usr/lib/node_modules",
		"ANTHROPIC_API_KEY=sk-test",
		"ASH_TIMING=1",
		// Everything below must be withheld from the child.
		"DATABASE_URL=postgres://user:pw@db/ash",
		"ASH_INTERNAL_SECRET=topsecret",
		"AWS_SECRET_ACCESS_KEY=aws-secret",
		"SSH_AUTH_SOCK=/run/ssh.sock",
		"LD_PRELOAD=/tmp/evil.so",
	}

	env := BuildEnv(parent, EnvSpec{
		SocketPath:   "/data/sandboxes/sb-1/bridge.sock",
		AgentDir:     "/agents/qa",
		WorkspaceDir: "/data/sandboxes/sb-1/workspace",
		SandboxID:    "sb-1",
		SessionID:    "sess-1",
	})

	byKey := map[string]string{}
	for _, entry := range env {
		key, val, _ := strings.Cut(entry, "=")
		byKey[key] = val
	}

	for _, key := range []string{"PATH", "HOME", "LANG", "TERM", "NODE_PATH", "ANTHROPIC_API_KEY", "ASH_TIMING"} {
		assert.Contains(t, byKey, key, "allowlisted variable %s must pass through", key)
	}
	for _, key := range []string{"DATABASE_URL", "ASH_INTERNAL_SECRET", "AWS_SECRET_ACCESS_KEY", "SSH_AUTH_SOCK", "LD_PRELOAD"} {
		assert.NotContains(t, byKey, key, "variable %s must be withheld", key)
	}

	assert.Equal(t, "/data/sandboxes/sb-1/bridge.sock", byKey["ASH_BRIDGE_SOCKET"])
	assert.Equal(t, "/agents/qa", byKey["ASH_AGENT_DIR"])
	assert.Equal(t, "/data/sandboxes/sb-1/workspace", byKey["ASH_WORKSPACE_DIR"])
	assert.Equal(t, "sb-1", byKey["ASH_SANDBOX_ID"])
	assert.Equal(t, "sess-1", byKey["ASH_SESSION_ID"])
}

func TestBuildEnvEmptyParent(t *testing.T) {
	env := BuildEnv(nil, EnvSpec{SocketPath: "/tmp/b.sock", SandboxID: "sb"})
	// Only the injected variables remain.
	assert.Len(t, env, 5)
}

func TestBuildEnvSkipsMalformedEntries(t *testing.T) {
	env := BuildEnv([]string{"NOEQUALSIGN", "PATH=/bin"}, EnvSpec{})
	for _, entry := range env {
		assert.Contains(t, entry, "=")
	}
}

func TestBuildEnvKeepsValuesVerbatim(t *testing.T) {
	env := BuildEnv([]string{"PATH=/opt/custom=with=equals:/bin"}, EnvSpec{})
	assert.Contains(t, env, "PATH=/opt/custom=with=equals:/bin")
}
