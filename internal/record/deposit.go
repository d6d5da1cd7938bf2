package record

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DepositIntake distinguishes the two deposit entry points.
type DepositIntake string

const (
	IntakeNative DepositIntake = "native"
	IntakeToken  DepositIntake = "token"
)

// Deposit is emitted after a deposit pipeline commits: assets entered
// custody, were staked and supplied, and shares were minted to the receiver.
type Deposit struct {
	DepositID uuid.UUID     `json:"deposit_id"`
	Intake    DepositIntake `json:"intake"`
	Depositor common.Address `json:"depositor"`
	Receiver  common.Address `json:"receiver"`

	// AssetsIn is the base (native path) or derivative (token path) amount
	// pulled from the depositor; Staked is the derivative amount supplied
	// to the lending venue.
	AssetsIn *big.Int `json:"assets_in"`
	Staked   *big.Int `json:"staked"`
	Shares   *big.Int `json:"shares"`

	Timestamp time.Time `json:"timestamp"`
}

func (d *Deposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *Deposit) RecordType() RecordType {
	return RecordTypeDeposit
}

func (d *Deposit) Holder() *common.Address {
	h := d.Receiver
	return &h
}
