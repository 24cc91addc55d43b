/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package payers holds the static per-payer configuration the adjudication
// engine runs against: processing-delay windows, cost-share rules and denial
// settings, loaded from TOML with compiled-in defaults.
package payers

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/claimpipe/claimpipe/pkg/claims"
)

const (
	DefaultDenialRate     = 0.05
	DefaultHardDenialRate = 0.7
	DefaultConcurrency    = 10
)

// ProcessingDelay is the uniform random adjudication latency window.
type ProcessingDelay struct {
	MinMs int `toml:"min_ms"`
	MaxMs int `toml:"max_ms"`
}

func (d ProcessingDelay) Min() time.Duration { return time.Duration(d.MinMs) * time.Millisecond }
func (d ProcessingDelay) Max() time.Duration { return time.Duration(d.MaxMs) * time.Millisecond }

// AdjudicationRules drive the approval cost-share split.
type AdjudicationRules struct {
	PayerPercentage      float64  `toml:"payer_percentage"`
	CopayFixedAmount     *float64 `toml:"copay_fixed_amount"`
	DeductiblePercentage *float64 `toml:"deductible_percentage"`
}

// DenialSettings drive the denial roll. Nil settings disable denials entirely.
type DenialSettings struct {
	DenialRate          float64  `toml:"denial_rate"`
	HardDenialRate      float64  `toml:"hard_denial_rate"`
	PreferredCategories []string `toml:"preferred_categories"`
}

// PayerConfig is a single payer's simulation profile.
type PayerConfig struct {
	ID              claims.PayerID    `toml:"id"`
	Name            string            `toml:"name"`
	Concurrency     int               `toml:"concurrency"`
	ProcessingDelay ProcessingDelay   `toml:"processing_delay"`
	Rules           AdjudicationRules `toml:"rules"`
	Denials         *DenialSettings   `toml:"denials"`
}

func (c *PayerConfig) Validate() (err error) {
	if !claims.IsKnownPayer(c.ID) {
		err = multierr.Append(err, fmt.Errorf("unknown payer id %q", c.ID))
	}
	if c.ProcessingDelay.MinMs < 0 || c.ProcessingDelay.MaxMs < c.ProcessingDelay.MinMs {
		err = multierr.Append(err, fmt.Errorf("payer %q: processing delay requires 0 <= min <= max", c.ID))
	}
	if c.Rules.PayerPercentage < 0 || c.Rules.PayerPercentage > 1 {
		err = multierr.Append(err, fmt.Errorf("payer %q: payer_percentage must be within [0,1]", c.ID))
	}
	if c.Rules.CopayFixedAmount != nil && *c.Rules.CopayFixedAmount < 0 {
		err = multierr.Append(err, fmt.Errorf("payer %q: copay_fixed_amount must be non-negative", c.ID))
	}
	if c.Rules.DeductiblePercentage != nil && (*c.Rules.DeductiblePercentage < 0 || *c.Rules.DeductiblePercentage > 1) {
		err = multierr.Append(err, fmt.Errorf("payer %q: deductible_percentage must be within [0,1]", c.ID))
	}
	if d := c.Denials; d != nil {
		if d.DenialRate < 0 || d.DenialRate > 1 {
			err = multierr.Append(err, fmt.Errorf("payer %q: denial_rate must be within [0,1]", c.ID))
		}
		if d.HardDenialRate < 0 || d.HardDenialRate > 1 {
			err = multierr.Append(err, fmt.Errorf("payer %q: hard_denial_rate must be within [0,1]", c.ID))
		}
	}
	return err
}

func (c *PayerConfig) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Denials != nil {
		if c.Denials.DenialRate == 0 {
			c.Denials.DenialRate = DefaultDenialRate
		}
		if c.Denials.HardDenialRate == 0 {
			c.Denials.HardDenialRate = DefaultHardDenialRate
		}
	}
}

// QueueName is the payer-specific queue the clearinghouse routes onto.
func (c *PayerConfig) QueueName() string {
	return QueueName(c.ID)
}

func QueueName(id claims.PayerID) string {
	return fmt.Sprintf("payer-%s", id)
}

// Registry resolves payer ids to configs. The schema enum is the only id
// space; ids outside it are schema errors unless a fallback payer is set.
type Registry struct {
	payers   map[claims.PayerID]*PayerConfig
	fallback claims.PayerID
}

func NewRegistry(configs []*PayerConfig, fallback claims.PayerID) (*Registry, error) {
	var err error
	payers := map[claims.PayerID]*PayerConfig{}
	for _, c := range configs {
		c.setDefaults()
		err = multierr.Append(err, c.Validate())
		if _, ok := payers[c.ID]; ok {
			err = multierr.Append(err, fmt.Errorf("duplicate payer id %q", c.ID))
		}
		payers[c.ID] = c
	}
	if fallback != "" {
		if _, ok := payers[fallback]; !ok {
			err = multierr.Append(err, fmt.Errorf("fallback payer %q is not configured", fallback))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building payer registry, %w", err)
	}
	return &Registry{payers: payers, fallback: fallback}, nil
}

// Resolve returns the config for the given payer id, falling back to the
// configured fallback payer when the id is unknown. The second return reports
// whether the fallback was used; ok is false when there is no resolution.
func (r *Registry) Resolve(id claims.PayerID) (config *PayerConfig, usedFallback bool, ok bool) {
	if c, found := r.payers[id]; found {
		return c, false, true
	}
	if r.fallback != "" {
		return r.payers[r.fallback], true, true
	}
	return nil, false, false
}

// All returns every configured payer, stably keyed by id.
func (r *Registry) All() []*PayerConfig {
	return lo.FilterMap(claims.KnownPayers, func(id claims.PayerID, _ int) (*PayerConfig, bool) {
		c, ok := r.payers[id]
		return c, ok
	})
}

type registryFile struct {
	Payers []*PayerConfig `toml:"payers"`
}

// LoadRegistry reads payer configs from a TOML file. An empty path yields the
// compiled-in defaults.
func LoadRegistry(path string, fallback claims.PayerID) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultConfigs(), fallback)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payer config %q, %w", path, err)
	}
	file := registryFile{}
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing payer config %q, %w", path, err)
	}
	if len(file.Payers) == 0 {
		return nil, fmt.Errorf("payer config %q defines no payers", path)
	}
	return NewRegistry(file.Payers, fallback)
}

// DefaultConfigs returns the built-in simulation profiles for the three payers.
func DefaultConfigs() []*PayerConfig {
	return []*PayerConfig{
		{
			ID:              claims.PayerMedicare,
			Name:            "Medicare",
			Concurrency:     8,
			ProcessingDelay: ProcessingDelay{MinMs: 500, MaxMs: 2500},
			Rules: AdjudicationRules{
				PayerPercentage:      0.8,
				DeductiblePercentage: lo.ToPtr(0.1),
			},
			Denials: &DenialSettings{DenialRate: 0.04, HardDenialRate: 0.6},
		},
		{
			ID:              claims.PayerUnitedHealthGroup,
			Name:            "United Health Group",
			Concurrency:     12,
			ProcessingDelay: ProcessingDelay{MinMs: 300, MaxMs: 1500},
			Rules: AdjudicationRules{
				PayerPercentage:      0.75,
				CopayFixedAmount:     lo.ToPtr(25.0),
				DeductiblePercentage: lo.ToPtr(0.15),
			},
			Denials: &DenialSettings{DenialRate: 0.07, HardDenialRate: 0.7, PreferredCategories: []string{"authorization", "medical_necessity"}},
		},
		{
			ID:              claims.PayerAnthem,
			Name:            "Anthem",
			Concurrency:     10,
			ProcessingDelay: ProcessingDelay{MinMs: 400, MaxMs: 2000},
			Rules: AdjudicationRules{
				PayerPercentage:      0.7,
				CopayFixedAmount:     lo.ToPtr(20.0),
				DeductiblePercentage: lo.ToPtr(0.2),
			},
			Denials: &DenialSettings{DenialRate: 0.05, HardDenialRate: 0.7, PreferredCategories: []string{"coding", "coverage"}},
		},
	}
}
