// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/escolta/internal/allowlist"
	"github.com/sevir/escolta/internal/mediation"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Mediation MediationConfig `json:"mediation" yaml:"mediation"`
	Tasks     TasksConfig     `json:"tasks" yaml:"tasks"`
}

// ServerConfig holds the control-plane HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// MediationConfig holds the two mediation listeners' configuration.
type MediationConfig struct {
	Host           string           `json:"host" yaml:"host"`
	PermissionPort int              `json:"permission_port" yaml:"permission_port"`
	QuestionPort   int              `json:"question_port" yaml:"question_port"`
	Mode           string           `json:"mode" yaml:"mode"`
	Allowlist      []allowlist.Rule `json:"allowlist" yaml:"allowlist"`
}

// TasksConfig holds scheduler and storage configuration.
type TasksConfig struct {
	StorePath  string `json:"store_path" yaml:"store_path"`
	LogDir     string `json:"log_dir" yaml:"log_dir"`
	AgentCmd   string `json:"agent_cmd" yaml:"agent_cmd"`
	DebounceMS int    `json:"debounce_ms" yaml:"debounce_ms"`
}

// Debounce returns the message batching window.
func (t TasksConfig) Debounce() time.Duration {
	if t.DebounceMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(t.DebounceMS) * time.Millisecond
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	escoltaDir := filepath.Join(home, ".escolta")

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Mediation: MediationConfig{
			Host:           "127.0.0.1",
			PermissionPort: 8315,
			QuestionPort:   8316,
			Mode:           string(mediation.ModeInteractive),
		},
		Tasks: TasksConfig{
			StorePath:  filepath.Join(escoltaDir, "tasks.json"),
			LogDir:     filepath.Join(escoltaDir, "logs"),
			AgentCmd:   "claude",
			DebounceMS: 50,
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		yamlPath := filepath.Join(home, ".escolta", "config.yaml")
		jsonPath := filepath.Join(home, ".escolta", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Tasks.StorePath = resolvePath(cfg.Tasks.StorePath, baseDir)
	cfg.Tasks.LogDir = resolvePath(cfg.Tasks.LogDir, baseDir)

	return cfg, nil
}

func (c *Config) validate() error {
	if !mediation.ValidMode(mediation.Mode(c.Mediation.Mode)) {
		return fmt.Errorf("invalid mediation mode: %s", c.Mediation.Mode)
	}
	if bad := allowlist.Policy(c.Mediation.Allowlist).Validate(); len(bad) > 0 {
		return fmt.Errorf("invalid allowlist rules: %v", bad)
	}
	return nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".escolta", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the control-plane server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandHome expands ~ to the home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
