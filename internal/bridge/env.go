package bridge

import "strings"

// passthroughEnv is the allowlist of parent environment variables forwarded
// to the bridge process. Everything else is withheld: the child must never
// see ash's own configuration, database URLs, or internal secrets.
var passthroughEnv = map[string]bool{
	"PATH":              true,
	"NODE_PATH":         true,
	"HOME":              true,
	"LANG":              true,
	"TERM":              true,
	"ANTHROPIC_API_KEY": true,
	"ASH_TIMING":        true,
}

// EnvSpec carries the per-sandbox values injected into the bridge
// environment alongside the allowlisted passthrough variables.
type EnvSpec struct {
	SocketPath   string
	AgentDir     string
	WorkspaceDir string
	SandboxID    string
	SessionID    string
}

// BuildEnv filters parentEnv ("KEY=VALUE" entries, typically os.Environ())
// down to the allowlist and appends the injected bridge variables.
func BuildEnv(parentEnv []string, spec EnvSpec) []string {
	env := make([]string, 0, len(passthroughEnv)+5)
	for _, entry := range parentEnv {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if passthroughEnv[key] {
			env = append(env, entry)
		}
	}
	env = append(env,
		"ASH_BRIDGE_SOCKET="+spec.SocketPath,
		"ASH_AGENT_DIR="+spec.AgentDir,
		"ASH_WORKSPACE_DIR="+spec.WorkspaceDir,
		"ASH_SANDBOX_ID="+spec.SandboxID,
		"ASH_SESSION_ID="+spec.SessionID,
	)
	return env
}
