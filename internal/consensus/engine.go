// Package consensus implements proof-of-work block sealing and validation.
package consensus

import "github.com/ledgerforge/corechain/pkg/block"

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	Seal(blk *block.Block) error
}
