package record

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Withdrawal is emitted after a withdrawal pipeline commits: assets left
// the lending venue and vault custody, and shares were burned from the owner.
type Withdrawal struct {
	WithdrawalID uuid.UUID      `json:"withdrawal_id"`
	Owner        common.Address `json:"owner"`
	Receiver     common.Address `json:"receiver"`

	Assets *big.Int `json:"assets"`
	Shares *big.Int `json:"shares"`

	Timestamp time.Time `json:"timestamp"`
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *Withdrawal) RecordType() RecordType {
	return RecordTypeWithdrawal
}

func (w *Withdrawal) Holder() *common.Address {
	h := w.Owner
	return &h
}
