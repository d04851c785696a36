package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/fieldsmith/internal/llm"
	"github.com/starford/fieldsmith/internal/storage"
	"github.com/starford/fieldsmith/internal/task"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Auth     AuthConfig        `yaml:"auth"`
	Anki     AnkiConfig        `yaml:"anki"`
	LLM      LLMConfig         `yaml:"llm"`
	Script   ScriptConfig      `yaml:"script"`
	TaskFile string            `yaml:"task_file"`
	Task     task.Definition   `yaml:"task"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Anki.Validate(); err != nil {
		return fmt.Errorf("anki: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Script.Validate(); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	if err := c.Task.Validate(); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	LogFile  string     `yaml:"log_file"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration for the status API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// AnkiConfig points at the AnkiConnect endpoint.
type AnkiConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the Anki configuration.
func (c *AnkiConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Required),
	)
}

// LLMConfig holds inference server settings.
type LLMConfig struct {
	URL            string        `yaml:"url"`
	DefaultModel   string        `yaml:"default_model"`
	Timeout        time.Duration `yaml:"timeout"`
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Temperature    float64       `yaml:"temperature"`
	JSONFormat     bool          `yaml:"json_format"`
	LogPrompt      bool          `yaml:"log_prompt"`
	LogRawResponse bool          `yaml:"log_raw_response"`
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Required),
		validation.Field(&c.Retries, validation.Min(0)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.Temperature, validation.Min(0.0), validation.Max(2.0)),
	)
}

// Ollama returns the client configuration.
func (c *LLMConfig) Ollama() llm.OllamaConfig {
	return llm.OllamaConfig{
		URL:            c.URL,
		Timeout:        c.Timeout,
		Retries:        c.Retries,
		RetryDelay:     c.RetryDelay,
		Temperature:    c.Temperature,
		JSONFormat:     c.JSONFormat,
		LogPrompt:      c.LogPrompt,
		LogRawResponse: c.LogRawResponse,
	}
}

// ScriptConfig holds run behaviour.
type ScriptConfig struct {
	DryRun                 bool        `yaml:"dry_run"`
	SaveProgress           bool        `yaml:"save_progress"`
	ProgressFile           string      `yaml:"progress_file"`
	ProgressBackend        string      `yaml:"progress_backend"`
	MaxConsecutiveFailures int         `yaml:"max_consecutive_failures"`
	DefaultPolicy          task.Policy `yaml:"default_policy"`
	AppendSeparator        string      `yaml:"append_separator"`
}

// Validate validates the script configuration.
func (c *ScriptConfig) Validate() error {
	if c.ProgressBackend == "" {
		c.ProgressBackend = storage.BackendFile
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.ProgressBackend, validation.In(storage.BackendFile, storage.BackendSQLite)),
		validation.Field(&c.MaxConsecutiveFailures, validation.Min(0)),
		validation.Field(&c.DefaultPolicy,
			validation.In(task.PolicyOverwrite, task.PolicyAppend, task.PolicySkipIfNonEmpty)),
	)
}

// ProgressPath returns the configured ledger path, or one derived from the
// deck name when none is set.
func (c *Config) ProgressPath() string {
	if c.Script.ProgressFile != "" {
		return c.Script.ProgressFile
	}
	ext := ".json"
	if c.Script.ProgressBackend == storage.BackendSQLite {
		ext = ".db"
	}
	return task.ProgressFileName(c.Task.Deck, ext)
}

// ProgressKey identifies the task's ledger inside a shared backend.
func (c *Config) ProgressKey() string {
	name := c.Task.Name
	if name == "" {
		name = "default"
	}
	return c.Task.Deck + "/" + name
}

// TaskOptions returns the run-level options for the task.
func (c *Config) TaskOptions() task.Options {
	return task.Options{
		DefaultModel:           c.LLM.DefaultModel,
		DefaultPolicy:          c.Script.DefaultPolicy,
		DryRun:                 c.Script.DryRun,
		SaveProgress:           c.Script.SaveProgress,
		ProgressPath:           c.ProgressPath(),
		AppendSeparator:        c.Script.AppendSeparator,
		MaxConsecutiveFailures: c.Script.MaxConsecutiveFailures,
	}
}

// BuildTask resolves the task definition into an immutable PromptTask.
func (c *Config) BuildTask() (*task.PromptTask, error) {
	return task.New(c.Task, c.TaskOptions())
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Anki: AnkiConfig{
			URL:     "http://127.0.0.1:8765",
			Timeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			URL:          "http://localhost:11434/api/generate",
			DefaultModel: "phi4-reasoning",
			Timeout:      180 * time.Second,
			Retries:      3,
			RetryDelay:   10 * time.Second,
			Temperature:  0.3,
			JSONFormat:   true,
		},
		Script: ScriptConfig{
			SaveProgress:           true,
			ProgressBackend:        storage.BackendFile,
			MaxConsecutiveFailures: 5,
			DefaultPolicy:          task.PolicyOverwrite,
			AppendSeparator:        "; ",
		},
		Task: task.Definition{
			Name: "enhancer",
		},
	}
}
