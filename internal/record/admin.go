package record

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AdminTransfer is emitted when administrator rights move to a new identity.
type AdminTransfer struct {
	TransferID uuid.UUID      `json:"transfer_id"`
	Previous   common.Address `json:"previous"`
	Next       common.Address `json:"next"`

	Timestamp time.Time `json:"timestamp"`
}

func (a *AdminTransfer) IdempotencyKey() string {
	return a.TransferID.String()
}

func (a *AdminTransfer) RecordType() RecordType {
	return RecordTypeAdminTransfer
}

func (a *AdminTransfer) Holder() *common.Address {
	return nil
}
