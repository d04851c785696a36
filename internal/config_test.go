package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/fieldsmith/internal/storage"
	"github.com/starford/fieldsmith/internal/task"
	pkgconfig "github.com/starford/fieldsmith/pkg/config"
)

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Task = task.Definition{
		Name:     "enhancer",
		Deck:     "JP::Core",
		RefField: "Sentence",
		Inputs:   []task.InputField{{Field: "Word"}, {Field: "Sentence", Label: "Example"}},
		Outputs:  []task.OutputField{{Field: "Hint", Description: "short hint", Policy: task.PolicySkipIfNonEmpty}},
		Template: "INPUT DATA: {{inputs}}\nOUTPUT SCHEMA: {{outputs}}",
	}
	return cfg
}

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestFullConfig_DefaultsNeedTask(t *testing.T) {
	err := NewDefaultConfig().Validate()
	if err == nil {
		t.Fatal("defaults without a deck should fail")
	}
	if !strings.HasPrefix(err.Error(), "task:") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFullConfig_SectionErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		prefix string
	}{
		{"bad anki url", func(c *Config) { c.Anki.URL = "not a url" }, "anki:"},
		{"zero llm timeout", func(c *Config) { c.LLM.Timeout = 0 }, "llm:"},
		{"negative retries", func(c *Config) { c.LLM.Retries = -1 }, "llm:"},
		{"unknown backend", func(c *Config) { c.Script.ProgressBackend = "redis" }, "script:"},
		{"unknown policy", func(c *Config) { c.Script.DefaultPolicy = "merge" }, "script:"},
		{"negative threshold", func(c *Config) { c.Script.MaxConsecutiveFailures = -2 }, "script:"},
		{"port out of range", func(c *Config) { c.App.HTTP.Port = 70000 }, "app:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.HasPrefix(err.Error(), tt.prefix) {
				t.Errorf("error = %v, want prefix %q", err, tt.prefix)
			}
		})
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestProgressPath(t *testing.T) {
	cfg := validConfig()
	if got := cfg.ProgressPath(); got != "JP_Core_progress.json" {
		t.Errorf("derived path = %q", got)
	}

	cfg.Script.ProgressBackend = storage.BackendSQLite
	if got := cfg.ProgressPath(); got != "JP_Core_progress.db" {
		t.Errorf("derived sqlite path = %q", got)
	}

	cfg.Script.ProgressFile = "/var/lib/fieldsmith/ledger.db"
	if got := cfg.ProgressPath(); got != "/var/lib/fieldsmith/ledger.db" {
		t.Errorf("explicit path = %q", got)
	}
}

func TestBuildTask(t *testing.T) {
	cfg := validConfig()
	cfg.Script.DryRun = true
	cfg.Script.MaxConsecutiveFailures = 2

	pt, err := cfg.BuildTask()
	if err != nil {
		t.Fatal(err)
	}
	if pt.Model() != "phi4-reasoning" {
		t.Errorf("model = %q, want default model", pt.Model())
	}
	if !pt.DryRun() || pt.MaxConsecutiveFailures() != 2 {
		t.Error("script options not carried into task")
	}
	if pt.AppendSeparator() != "; " {
		t.Errorf("separator = %q", pt.AppendSeparator())
	}
	if cfg.ProgressKey() != "JP::Core/enhancer" {
		t.Errorf("progress key = %q", cfg.ProgressKey())
	}
}

func TestEmptyAppendSeparatorIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("script:\n  append_separator: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	if err := pkgconfig.LoadInto(path, cfg); err != nil {
		t.Fatal(err)
	}
	pt, err := cfg.BuildTask()
	if err != nil {
		t.Fatal(err)
	}
	if pt.AppendSeparator() != "" {
		t.Errorf("separator = %q, want empty", pt.AppendSeparator())
	}
}

func TestLLMConfig_Ollama(t *testing.T) {
	cfg := NewDefaultConfig()
	oc := cfg.LLM.Ollama()
	if oc.Timeout != 180*time.Second || oc.Retries != 3 || oc.RetryDelay != 10*time.Second {
		t.Errorf("ollama config = %+v", oc)
	}
	if !oc.JSONFormat {
		t.Error("json format should default on")
	}
}
