package style

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Record is the persisted locked style document. It is the sole source of
// truth for generation parameters at batch start: the orchestrator reads it
// once, requires approved=true, and converts it into an immutable Config.
type Record struct {
	ProjectID         string    `yaml:"project_id" json:"project_id"`
	ModelID           string    `yaml:"model_id" json:"model_id"`
	Steps             int       `yaml:"steps" json:"steps"`
	CFGScale          float64   `yaml:"cfg_scale" json:"cfg_scale"`
	SeedBase          int64     `yaml:"seed_base" json:"seed_base"`
	Width             int       `yaml:"width" json:"width"`
	Height            int       `yaml:"height" json:"height"`
	StylePromptSuffix string    `yaml:"style_prompt_suffix" json:"style_prompt_suffix"`
	ValidationSamples []string  `yaml:"validation_samples" json:"validation_samples"`
	ConsistencyScore  float64   `yaml:"consistency_score" json:"consistency_score"`
	Approved          bool      `yaml:"approved" json:"approved"`
	LockedDate        time.Time `yaml:"locked_date" json:"locked_date"`
}

// LoadRecord reads a locked style record from a YAML file
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse lock record: %w", err)
	}
	return &rec, nil
}

// Save writes the record as YAML
func (r *Record) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return nil
}

// Config validates the record and produces the immutable Config all jobs
// of the batch will share. An unapproved record is a MissingLockError, not
// an invalid-parameter condition: the lock simply does not count yet.
func (r *Record) Config() (*Config, error) {
	if !r.Approved {
		return nil, &MissingLockError{ProjectID: r.ProjectID, Reason: "record not approved"}
	}
	return New(Params{
		ModelID:      r.ModelID,
		Steps:        r.Steps,
		CFGScale:     r.CFGScale,
		SeedBase:     r.SeedBase,
		Width:        r.Width,
		Height:       r.Height,
		PromptSuffix: r.StylePromptSuffix,
	})
}

// Baseline returns the validation sample used as the scoring baseline.
// The first approved sample is the canonical baseline for the project.
func (r *Record) Baseline() string {
	if len(r.ValidationSamples) == 0 {
		return ""
	}
	return r.ValidationSamples[0]
}

// RecordFromConfig builds a persisted record from a locked config. The
// record starts unapproved; approval is a separate, explicit decision.
func RecordFromConfig(projectID string, cfg *Config) *Record {
	return &Record{
		ProjectID:         projectID,
		ModelID:           cfg.ModelID(),
		Steps:             cfg.Steps(),
		CFGScale:          cfg.CFGScale(),
		SeedBase:          cfg.SeedBase(),
		Width:             cfg.Width(),
		Height:            cfg.Height(),
		StylePromptSuffix: cfg.PromptSuffix(),
		LockedDate:        cfg.CreatedAt(),
	}
}
