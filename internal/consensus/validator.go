package consensus

import (
	"fmt"
	"time"

	"github.com/ledgerforge/corechain/pkg/block"
)

// Validator validates blocks against consensus rules.
type Validator struct {
	engine Engine
}

// NewValidator creates a block validator with the given consensus engine.
func NewValidator(engine Engine) *Validator {
	return &Validator{engine: engine}
}

// ValidateBlock checks a block against both structural and consensus rules.
func (v *Validator) ValidateBlock(blk *block.Block, now time.Time) error {
	if err := blk.Validate(now); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := v.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	return nil
}
