package venue

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxClaim is passed to RewardVenue.Claim to request everything accrued.
var MaxClaim = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// StakingVenue converts the base asset into its yield-bearing derivative.
// Stake forwards the full base amount and reports the derivative amount
// minted to the receiver. Unstaking is an async request/claim protocol the
// vault passes through but does not orchestrate.
type StakingVenue interface {
	Stake(ctx context.Context, amount *big.Int, receiver common.Address) (*big.Int, error)
	RequestUnstake(ctx context.Context, amount *big.Int, owner common.Address) (uint64, error)
	ClaimUnstake(ctx context.Context, requestID uint64, owner common.Address) (*big.Int, error)
}

// LendingVenue accepts the derivative asset and issues a 1:1-redeemable
// receipt that accrues value over time. Withdraw may return less than
// requested; callers must verify the amount actually received.
type LendingVenue interface {
	Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address, referral uint16) error
	Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error)
}

// RewardVenue accrues a secondary reward token against lending-venue
// deposits. Claim with venue.MaxClaim releases everything accrued and
// returns the claimed quantity, which is zero when nothing accrued.
type RewardVenue interface {
	Claim(ctx context.Context, assets []common.Address, amount *big.Int, to common.Address, reward common.Address) (*big.Int, error)
}

// SwapVenue exchanges tokens at spot along a caller-encoded multi-hop path.
// The call fails when the deadline has passed or the output would fall
// below amountOutMin.
type SwapVenue interface {
	ExactInput(ctx context.Context, path []byte, recipient common.Address, deadline time.Time, amountIn, amountOutMin *big.Int) (*big.Int, error)
}

// TokenVenue is the external fungible-token custody surface: balances,
// direct transfers, and allowance-gated pulls. The vault never caches a
// balance across calls; every valuation reads through this interface.
type TokenVenue interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, token, owner, spender, to common.Address, amount *big.Int) error
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Venues bundles the injected venue handles. All fields are required.
type Venues struct {
	Staking StakingVenue
	Lending LendingVenue
	Reward  RewardVenue
	Swap    SwapVenue
	Tokens  TokenVenue
}
