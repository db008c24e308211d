// Package style holds the locked parameter set that every generation job
// in a project must use unchanged. A config is immutable after creation;
// a "change" is always a new config installed through an explicit relock.
package style

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Service-defined parameter bounds. Values outside these ranges are
// rejected at lock time, not at submit time.
const (
	MinSteps    = 1
	MaxSteps    = 150
	MinCFGScale = 1.0
	MaxCFGScale = 30.0
	MinDim      = 64
	MaxDim      = 2048
)

// Params is the mutable input used to construct a Config
type Params struct {
	ModelID      string
	Steps        int
	CFGScale     float64
	SeedBase     int64
	Width        int
	Height       int
	PromptSuffix string
}

// Config is an immutable locked style. All fields are unexported; reads go
// through accessors and there is no setter. Sharing a *Config across
// workers is safe without locking.
type Config struct {
	modelID      string
	steps        int
	cfgScale     float64
	seedBase     int64
	width        int
	height       int
	promptSuffix string
	createdAt    time.Time
	fingerprint  string
}

// New validates p and constructs an immutable Config
func New(p Params) (*Config, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	c := &Config{
		modelID:      p.ModelID,
		steps:        p.Steps,
		cfgScale:     p.CFGScale,
		seedBase:     p.SeedBase,
		width:        p.Width,
		height:       p.Height,
		promptSuffix: p.PromptSuffix,
		createdAt:    time.Now().UTC(),
	}
	c.fingerprint = fingerprint(p)
	return c, nil
}

func validate(p Params) error {
	if strings.TrimSpace(p.ModelID) == "" {
		return &InvalidParameterError{Field: "model_id", Reason: "must not be empty"}
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return &InvalidParameterError{Field: "steps", Reason: fmt.Sprintf("must be between %d and %d", MinSteps, MaxSteps)}
	}
	if p.CFGScale < MinCFGScale || p.CFGScale > MaxCFGScale {
		return &InvalidParameterError{Field: "cfg_scale", Reason: fmt.Sprintf("must be between %.1f and %.1f", MinCFGScale, MaxCFGScale)}
	}
	if p.SeedBase < 0 {
		return &InvalidParameterError{Field: "seed_base", Reason: "must not be negative"}
	}
	if p.Width < MinDim || p.Width > MaxDim || p.Width%8 != 0 {
		return &InvalidParameterError{Field: "width", Reason: fmt.Sprintf("must be a multiple of 8 between %d and %d", MinDim, MaxDim)}
	}
	if p.Height < MinDim || p.Height > MaxDim || p.Height%8 != 0 {
		return &InvalidParameterError{Field: "height", Reason: fmt.Sprintf("must be a multiple of 8 between %d and %d", MinDim, MaxDim)}
	}
	if strings.TrimSpace(p.PromptSuffix) == "" {
		return &InvalidParameterError{Field: "prompt_suffix", Reason: "must not be empty"}
	}
	return nil
}

// fingerprint derives a stable reference for the parameter set. Two configs
// with identical field values share a fingerprint; createdAt is excluded.
func fingerprint(p Params) string {
	canonical := fmt.Sprintf("%s|%d|%.4f|%d|%dx%d|%s",
		p.ModelID, p.Steps, p.CFGScale, p.SeedBase, p.Width, p.Height, p.PromptSuffix)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

func (c *Config) ModelID() string      { return c.modelID }
func (c *Config) Steps() int           { return c.steps }
func (c *Config) CFGScale() float64    { return c.cfgScale }
func (c *Config) SeedBase() int64      { return c.seedBase }
func (c *Config) Width() int           { return c.width }
func (c *Config) Height() int          { return c.height }
func (c *Config) PromptSuffix() string { return c.promptSuffix }
func (c *Config) CreatedAt() time.Time { return c.createdAt }

// Fingerprint is the stable locked_config_ref recorded on jobs and batches
func (c *Config) Fingerprint() string { return c.fingerprint }

// Equal is full field-wise equality, ignoring creation time
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.modelID == other.modelID &&
		c.steps == other.steps &&
		c.cfgScale == other.cfgScale &&
		c.seedBase == other.seedBase &&
		c.width == other.width &&
		c.height == other.height &&
		c.promptSuffix == other.promptSuffix
}

// Params returns a copy of the parameter set the config was built from
func (c *Config) Params() Params {
	return Params{
		ModelID:      c.modelID,
		Steps:        c.steps,
		CFGScale:     c.cfgScale,
		SeedBase:     c.seedBase,
		Width:        c.width,
		Height:       c.height,
		PromptSuffix: c.promptSuffix,
	}
}
