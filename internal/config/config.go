// Package config decodes the YAML document describing a model, its memory
// stores, and its tasks, the way theawakener0-OpenEye and
// jgavinray-gpt-oss-executor decode their own runtime configs with
// gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/swdunlop/poly-go/internal/types"
)

// Config is the top-level document: one model, a named set of memory
// stores, and a named set of tasks that reference them.
type Config struct {
	Model    ModelConfig             `yaml:"model"`
	Memories map[string]MemoryConfig `yaml:"memories"`
	Tasks    map[string]TaskConfig   `yaml:"tasks"`
	Server   ServerConfig            `yaml:"server"`
	Log      LogConfig               `yaml:"log"`
}

// ModelConfig locates the gguf weights this process loads and the runtime
// knobs that apply to every session regardless of task.
type ModelConfig struct {
	Path        string `yaml:"path"`
	ContextSize int    `yaml:"context_size"`
	Threads     int    `yaml:"threads"`
}

// MemoryConfig names a store the `memory` field of a TaskConfig can
// reference. Path is the sqlite file's location; Embedder configures how
// text turns into vectors for that store.
type MemoryConfig struct {
	Path     string         `yaml:"path"`
	Embedder EmbedderConfig `yaml:"embedder"`
}

// EmbedderConfig selects and parameterizes an embedding source. Kind is
// either "model" (delegate to the loaded model's own embedding extraction)
// or "http" (call a remote embedding endpoint, OpenAI-compatible or
// llama.cpp-native).
type EmbedderConfig struct {
	Kind           string `yaml:"kind"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Dimension      int    `yaml:"dimension"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TaskConfig mirrors the data model's TaskConfig: prompt template fragments,
// an optional biaser, stop sequences, private tokens, memorization policy,
// and sampling knobs.
type TaskConfig struct {
	Prefix     string       `yaml:"prefix"`
	Postfix    string       `yaml:"postfix"`
	BiasPrompt string       `yaml:"bias_prompt"`
	Biaser     BiaserConfig `yaml:"biaser"`

	StopSequences []string `yaml:"stop_sequences"`
	PrivateTokens []string `yaml:"private_tokens"`

	Memory       string             `yaml:"memory"`
	Memorization MemorizationConfig `yaml:"memorization"`

	Temperature            float32 `yaml:"temperature"`
	TopK                   int     `yaml:"top_k"`
	TopP                   float32 `yaml:"top_p"`
	RepetitionPenalty      float32 `yaml:"repetition_penalty"`
	RepetitionPenaltyLastN int     `yaml:"repetition_penalty_last_n"`
	MaxTokens              *int    `yaml:"max_tokens"`
}

// BiaserConfig selects the none/inline/file-path biaser variant spec.md §3
// describes. Exactly one of Schema or SchemaFile may be set; both empty
// means no biaser.
type BiaserConfig struct {
	Schema     string `yaml:"schema"`
	SchemaFile string `yaml:"schema_file"`
}

type MemorizationConfig struct {
	Retrieve     int  `yaml:"retrieve"`
	StorePrompts bool `yaml:"store_prompts"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and decodes path, then validates every TaskConfig's
// self-contained invariants (those that don't need the loaded model's
// vocabulary -- private-token resolution and biaser-schema loading happen
// once the model is available, in internal/session's New, when the backend
// builds a session).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading config %q: %v", types.ErrConfig, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing config %q: %v", types.ErrConfig, path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Model.Path == "" {
		return fmt.Errorf("%w: model.path is required", types.ErrConfig)
	}
	for name, task := range c.Tasks {
		if task.Biaser.Schema != "" && task.Biaser.SchemaFile != "" {
			return fmt.Errorf("%w: task %q: biaser.schema and biaser.schema_file are mutually exclusive", types.ErrConfig, name)
		}
		if task.Memorization.Retrieve < 0 {
			return fmt.Errorf("%w: task %q: memorization.retrieve must be nonnegative", types.ErrConfig, name)
		}
		if task.Memorization.Retrieve > 0 || task.Memorization.StorePrompts {
			if task.Memory == "" {
				return fmt.Errorf("%w: task %q: memorization requires a memory store", types.ErrConfig, name)
			}
			if _, ok := c.Memories[task.Memory]; !ok {
				return fmt.Errorf("%w: task %q: memory %q is not configured", types.ErrConfig, name, task.Memory)
			}
		}
		if task.MaxTokens != nil && *task.MaxTokens < 0 {
			return fmt.Errorf("%w: task %q: max_tokens must be nonnegative", types.ErrConfig, name)
		}
	}
	return nil
}
