package record

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Compound is emitted after a harvest-convert-restake cycle commits.
// TotalAssetsBefore/After document the postcondition check: a cycle only
// commits when the managed total strictly increased.
type Compound struct {
	CompoundID uuid.UUID      `json:"compound_id"`
	Caller     common.Address `json:"caller"`

	Harvested *big.Int `json:"harvested"`
	Converted *big.Int `json:"converted"`
	Restaked  *big.Int `json:"restaked"`

	TotalAssetsBefore *big.Int `json:"total_assets_before"`
	TotalAssetsAfter  *big.Int `json:"total_assets_after"`

	Timestamp time.Time `json:"timestamp"`
}

func (c *Compound) IdempotencyKey() string {
	return c.CompoundID.String()
}

func (c *Compound) RecordType() RecordType {
	return RecordTypeCompound
}

func (c *Compound) Holder() *common.Address {
	return nil
}
