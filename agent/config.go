package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT CONFIGURATION - Immutable per-execution copy-trading parameters
// ═══════════════════════════════════════════════════════════════════════════════
//
// A Config is loaded once from the agent store and passed by value into each
// execution. Store updates only affect executions started afterwards.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds the copy-trading parameters for one agent
type Config struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	OwnerAddress string `yaml:"owner_address"`
	TargetWallet string `yaml:"target_wallet"` // wallet whose trades are mirrored

	CopyRatio  decimal.Decimal `yaml:"copy_ratio"`  // fraction of source size, in (0,1]
	RetryLimit int             `yaml:"retry_limit"` // total order placements across all phases

	PrimaryTimeoutSec   int `yaml:"primary_timeout_sec"`
	SecondaryTimeoutSec int `yaml:"secondary_timeout_sec"`
	FinalTimeoutSec     int `yaml:"final_timeout_sec"`

	// Price increments in cents (smallest tick), applied cumulatively in the
	// fill-favorable direction: up for buys, down for sells.
	SecondaryPriceIncrement int `yaml:"secondary_price_increment"`
	FinalPriceIncrement     int `yaml:"final_price_increment"`

	MinPositionSize decimal.Decimal `yaml:"min_position_size"` // minimum notional

	Protection string `yaml:"protection"` // optional preset: guarded|moderate|degen
	Disabled   bool   `yaml:"disabled"`
}

// Validate checks the invariants every execution relies on
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if c.TargetWallet == "" {
		return fmt.Errorf("agent %s: target_wallet is required", c.ID)
	}
	if c.CopyRatio.LessThanOrEqual(decimal.Zero) || c.CopyRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("agent %s: copy_ratio must be in (0,1], got %s", c.ID, c.CopyRatio)
	}
	if c.RetryLimit < 1 {
		return fmt.Errorf("agent %s: retry_limit must be >= 1, got %d", c.ID, c.RetryLimit)
	}
	if c.PrimaryTimeoutSec <= 0 || c.SecondaryTimeoutSec <= 0 || c.FinalTimeoutSec <= 0 {
		return fmt.Errorf("agent %s: all phase timeouts must be > 0", c.ID)
	}
	if c.SecondaryPriceIncrement < 0 || c.FinalPriceIncrement < 0 {
		return fmt.Errorf("agent %s: price increments must be >= 0", c.ID)
	}
	if c.MinPositionSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("agent %s: min_position_size must be > 0, got %s", c.ID, c.MinPositionSize)
	}
	return nil
}

// PrimaryTimeout returns the primary phase timeout as a duration
func (c Config) PrimaryTimeout() time.Duration {
	return time.Duration(c.PrimaryTimeoutSec) * time.Second
}

// SecondaryTimeout returns the secondary phase timeout as a duration
func (c Config) SecondaryTimeout() time.Duration {
	return time.Duration(c.SecondaryTimeoutSec) * time.Second
}

// FinalTimeout returns the final phase timeout as a duration
func (c Config) FinalTimeout() time.Duration {
	return time.Duration(c.FinalTimeoutSec) * time.Second
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROTECTION PRESETS
// ═══════════════════════════════════════════════════════════════════════════════

// Protection level presets. An agent file may name a preset instead of
// spelling out every parameter; explicit fields win over preset defaults.
var presets = map[string]Config{
	"guarded": {
		CopyRatio:               decimal.NewFromFloat(0.15),
		RetryLimit:              2,
		PrimaryTimeoutSec:       60,
		SecondaryTimeoutSec:     40,
		FinalTimeoutSec:         30,
		SecondaryPriceIncrement: 1,
		FinalPriceIncrement:     2,
		MinPositionSize:         decimal.NewFromInt(5),
	},
	"moderate": {
		CopyRatio:               decimal.NewFromFloat(0.25),
		RetryLimit:              3,
		PrimaryTimeoutSec:       45,
		SecondaryTimeoutSec:     30,
		FinalTimeoutSec:         20,
		SecondaryPriceIncrement: 2,
		FinalPriceIncrement:     4,
		MinPositionSize:         decimal.NewFromInt(10),
	},
	"degen": {
		CopyRatio:               decimal.NewFromFloat(0.5),
		RetryLimit:              5,
		PrimaryTimeoutSec:       30,
		SecondaryTimeoutSec:     20,
		FinalTimeoutSec:         15,
		SecondaryPriceIncrement: 3,
		FinalPriceIncrement:     5,
		MinPositionSize:         decimal.NewFromInt(50),
	},
}

// ApplyPreset fills zero-valued fields from the named protection preset.
// Unknown preset names are an error; an empty name is a no-op.
func (c *Config) ApplyPreset() error {
	if c.Protection == "" {
		return nil
	}
	p, ok := presets[strings.ToLower(c.Protection)]
	if !ok {
		return fmt.Errorf("agent %s: unknown protection preset %q", c.ID, c.Protection)
	}
	if c.CopyRatio.IsZero() {
		c.CopyRatio = p.CopyRatio
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = p.RetryLimit
	}
	if c.PrimaryTimeoutSec == 0 {
		c.PrimaryTimeoutSec = p.PrimaryTimeoutSec
	}
	if c.SecondaryTimeoutSec == 0 {
		c.SecondaryTimeoutSec = p.SecondaryTimeoutSec
	}
	if c.FinalTimeoutSec == 0 {
		c.FinalTimeoutSec = p.FinalTimeoutSec
	}
	if c.SecondaryPriceIncrement == 0 {
		c.SecondaryPriceIncrement = p.SecondaryPriceIncrement
	}
	if c.FinalPriceIncrement == 0 {
		c.FinalPriceIncrement = p.FinalPriceIncrement
	}
	if c.MinPositionSize.IsZero() {
		c.MinPositionSize = p.MinPositionSize
	}
	return nil
}
