package record

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RecordType discriminator for operation records
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDeposit
	RecordTypeWithdrawal
	RecordTypeCompound
	RecordTypeAdminTransfer
)

// Envelope wraps every operation record in the log
type Envelope struct {
	// Monotonic sequence assigned by the vault engine
	Sequence int64

	// Stable dedup key (client-supplied or derived from the record ID)
	IdempotencyKey string

	// Record type discriminator
	RecordType RecordType

	// Holder context (nil for administrator-only operations)
	Holder *common.Address

	// Time the pipeline committed
	Timestamp time.Time

	// SHA-256 of the share ledger AFTER this operation
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is the interface all operation records implement
type Record interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// RecordType returns the discriminator
	RecordType() RecordType

	// Holder returns the holder context (nil for admin operations)
	Holder() *common.Address
}

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeDeposit:
		return "deposit"
	case RecordTypeWithdrawal:
		return "withdrawal"
	case RecordTypeCompound:
		return "compound"
	case RecordTypeAdminTransfer:
		return "admin_transfer"
	default:
		return "unknown"
	}
}
