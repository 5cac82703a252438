package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr           string
	DatabasePath   string
	MasterSecret   string
	Debug          bool
	AllowedOrigins []string

	// Agent holds child-process invocation settings.
	Agent AgentConfig

	// ApprovalBackend selects the approval request channel implementation
	// ("sqlite", "file" or "memory").
	ApprovalBackend string
	// ApprovalSpoolDir is the spool directory for the file approval backend.
	ApprovalSpoolDir string
	// ApprovalTimeout bounds how long a tool waits for a human decision.
	ApprovalTimeout time.Duration

	// SessionMaxIdle is the idle-sweep threshold for sessions.
	SessionMaxIdle time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
}

// AgentConfig holds settings for spawning the text-generation child process.
type AgentConfig struct {
	// Binary is the agent executable name or path, resolved via PATH.
	Binary string
	// Model is the model identifier passed to the agent.
	Model string
	// SystemPromptPath points at the static instruction preamble file.
	SystemPromptPath string
	// ToolsDir is the directory the agent uses to discover callable tools.
	ToolsDir string
	// BaseURL is the server URL tools use to reach the approval surface.
	BaseURL string
	// IdleTimeout kills the process when no output arrives for this long.
	IdleTimeout time.Duration
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	DatabasePath *string
	MasterSecret *string
	Debug        *bool
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 5050
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./relay.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	masterSecret := os.Getenv("RELAY_MASTER_SECRET")
	if overrides.MasterSecret != nil {
		masterSecret = *overrides.MasterSecret
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("RELAY_MASTER_SECRET environment variable is required")
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	agentBinary := os.Getenv("RELAY_AGENT_BINARY")
	if agentBinary == "" {
		agentBinary = "claude"
	}
	agentModel := os.Getenv("RELAY_AGENT_MODEL")
	if agentModel == "" {
		agentModel = "claude-sonnet-4-5"
	}
	toolsDir := os.Getenv("RELAY_TOOLS_DIR")
	if toolsDir == "" {
		toolsDir = "./tools"
	}
	baseURL := os.Getenv("RELAY_BASE_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", port)
	}

	approvalBackend := os.Getenv("RELAY_APPROVAL_BACKEND")
	if approvalBackend == "" {
		approvalBackend = "sqlite"
	}
	approvalSpoolDir := os.Getenv("RELAY_APPROVAL_SPOOL_DIR")
	if approvalSpoolDir == "" {
		approvalSpoolDir = "./approvals"
	}

	return &Config{
		Addr:           addr,
		DatabasePath:   dbPath,
		MasterSecret:   masterSecret,
		Debug:          debug,
		AllowedOrigins: []string{"*"}, // For self-hosted, allow all origins
		Agent: AgentConfig{
			Binary:           agentBinary,
			Model:            agentModel,
			SystemPromptPath: os.Getenv("RELAY_SYSTEM_PROMPT"),
			ToolsDir:         toolsDir,
			BaseURL:          baseURL,
			IdleTimeout:      durationEnv("RELAY_AGENT_IDLE_TIMEOUT", 120*time.Second),
		},
		ApprovalBackend:  approvalBackend,
		ApprovalSpoolDir: approvalSpoolDir,
		ApprovalTimeout:  durationEnv("RELAY_APPROVAL_TIMEOUT", 120*time.Second),
		SessionMaxIdle:   durationEnv("RELAY_SESSION_MAX_IDLE", time.Hour),
		SweepInterval:    durationEnv("RELAY_SWEEP_INTERVAL", 5*time.Minute),
	}, nil
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}
