// Package venuetest provides in-memory venue implementations for tests and
// local runs. The Bank models fungible-token custody for every token in one
// place; the venues mutate it the way their on-chain counterparts would.
package venuetest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"StakeVault/internal/venue"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	Token  common.Address
	Holder common.Address
}

type allowanceKey struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
}

// Bank holds token balances and allowances for all simulated tokens.
type Bank struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func NewBank() *Bank {
	return &Bank{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// Mint credits freshly created tokens to a holder.
func (b *Bank) Mint(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, holder, amount)
}

// Approve sets an allowance the way a token holder would before a pull.
func (b *Bank) Approve(token, owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
}

func (b *Bank) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance(token, holder)), nil
}

func (b *Bank) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (b *Bank) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(token, from, to, amount)
}

func (b *Bank) TransferFrom(_ context.Context, token, owner, spender, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := allowanceKey{token, owner, spender}
	allowed, ok := b.allowances[key]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("bank: allowance %s->%s for %s is below %s", owner, spender, token, amount)
	}
	if err := b.move(token, owner, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

// balance, credit, debit, and move require b.mu held.

func (b *Bank) balance(token, holder common.Address) *big.Int {
	if bal, ok := b.balances[balanceKey{token, holder}]; ok {
		return bal
	}
	return new(big.Int)
}

func (b *Bank) credit(token, holder common.Address, amount *big.Int) {
	key := balanceKey{token, holder}
	bal, ok := b.balances[key]
	if !ok {
		bal = new(big.Int)
		b.balances[key] = bal
	}
	bal.Add(bal, amount)
}

func (b *Bank) debit(token, holder common.Address, amount *big.Int) error {
	bal := b.balance(token, holder)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("bank: %s holds %s of %s, cannot debit %s", holder, bal, token, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

func (b *Bank) move(token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount %s", amount)
	}
	if err := b.debit(token, from, amount); err != nil {
		return err
	}
	b.credit(token, to, amount)
	return nil
}

var _ venue.TokenVenue = (*Bank)(nil)

// Staking simulates the liquid-staking venue: it pulls the base asset from
// the receiver and mints the derivative at RateNum/RateDen (default 1:1).
type Staking struct {
	Bank       *Bank
	Addr       common.Address
	Base       common.Address
	Derivative common.Address
	RateNum    int64
	RateDen    int64

	nextRequest uint64
	pending     map[uint64]*big.Int
}

func NewStaking(bank *Bank, addr, base, derivative common.Address) *Staking {
	return &Staking{
		Bank:       bank,
		Addr:       addr,
		Base:       base,
		Derivative: derivative,
		RateNum:    1,
		RateDen:    1,
		pending:    make(map[uint64]*big.Int),
	}
}

func (s *Staking) Stake(ctx context.Context, amount *big.Int, receiver common.Address) (*big.Int, error) {
	if err := s.Bank.Transfer(ctx, s.Base, receiver, s.Addr, amount); err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(amount, big.NewInt(s.RateNum))
	out.Quo(out, big.NewInt(s.RateDen))
	s.Bank.Mint(s.Derivative, receiver, out)
	return out, nil
}

func (s *Staking) RequestUnstake(ctx context.Context, amount *big.Int, owner common.Address) (uint64, error) {
	if err := s.Bank.Transfer(ctx, s.Derivative, owner, s.Addr, amount); err != nil {
		return 0, err
	}
	s.nextRequest++
	s.pending[s.nextRequest] = new(big.Int).Set(amount)
	return s.nextRequest, nil
}

func (s *Staking) ClaimUnstake(ctx context.Context, requestID uint64, owner common.Address) (*big.Int, error) {
	amount, ok := s.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("staking: unknown unstake request %d", requestID)
	}
	delete(s.pending, requestID)
	if err := s.Bank.Transfer(ctx, s.Base, s.Addr, owner, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

var _ venue.StakingVenue = (*Staking)(nil)

// Lending simulates the lending venue: supplied assets move into venue
// custody and a receipt token is minted 1:1. Withdraw burns the receipt and
// returns the asset, optionally short by ShortWithdrawBy to model partial
// liquidity or rounding.
type Lending struct {
	Bank            *Bank
	Addr            common.Address
	Receipt         common.Address
	ShortWithdrawBy *big.Int
}

func NewLending(bank *Bank, addr, receipt common.Address) *Lending {
	return &Lending{Bank: bank, Addr: addr, Receipt: receipt}
}

func (l *Lending) Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address, referral uint16) error {
	if err := l.Bank.Transfer(ctx, asset, onBehalfOf, l.Addr, amount); err != nil {
		return err
	}
	l.Bank.Mint(l.Receipt, onBehalfOf, amount)
	return nil
}

func (l *Lending) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	out := new(big.Int).Set(amount)
	if l.ShortWithdrawBy != nil {
		out.Sub(out, l.ShortWithdrawBy)
		if out.Sign() < 0 {
			out.SetInt64(0)
		}
	}

	// Burn the receipt for the full requested amount; pay out possibly less.
	receipt, err := l.Bank.BalanceOf(ctx, l.Receipt, to)
	if err != nil {
		return nil, err
	}
	burn := new(big.Int).Set(amount)
	if receipt.Cmp(burn) < 0 {
		burn.Set(receipt)
	}
	if err := l.Bank.Transfer(ctx, l.Receipt, to, l.Addr, burn); err != nil {
		return nil, err
	}
	if err := l.Bank.Transfer(ctx, asset, l.Addr, to, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AccrueYield mints receipt tokens to a holder, modeling interest accrual.
func (l *Lending) AccrueYield(holder common.Address, amount *big.Int) {
	l.Bank.Mint(l.Receipt, holder, amount)
}

var _ venue.LendingVenue = (*Lending)(nil)

// Reward simulates the reward distribution venue with an explicit accrual
// that tests set before claiming.
type Reward struct {
	Bank    *Bank
	accrued map[common.Address]*big.Int
}

func NewReward(bank *Bank) *Reward {
	return &Reward{Bank: bank, accrued: make(map[common.Address]*big.Int)}
}

// SetAccrued fixes the amount the next Claim for claimant will release.
func (r *Reward) SetAccrued(claimant common.Address, amount *big.Int) {
	r.accrued[claimant] = new(big.Int).Set(amount)
}

func (r *Reward) Claim(_ context.Context, assets []common.Address, amount *big.Int, to common.Address, reward common.Address) (*big.Int, error) {
	accrued, ok := r.accrued[to]
	if !ok || accrued.Sign() == 0 {
		return new(big.Int), nil
	}
	claimed := new(big.Int).Set(accrued)
	if claimed.Cmp(amount) > 0 {
		claimed.Set(amount)
	}
	accrued.Sub(accrued, claimed)
	r.Bank.Mint(reward, to, claimed)
	return claimed, nil
}

var _ venue.RewardVenue = (*Reward)(nil)

// Swap simulates the swap venue at configurable pair rates. It pulls the
// input token from the recipient and mints the output token back, honoring
// the deadline and minimum-output guard.
type Swap struct {
	Bank *Bank
	Addr common.Address
	Now  func() time.Time

	rates map[[2]common.Address][2]int64
}

func NewSwap(bank *Bank, addr common.Address) *Swap {
	return &Swap{Bank: bank, Addr: addr, Now: time.Now, rates: make(map[[2]common.Address][2]int64)}
}

// SetRate fixes the spot rate for an (in, out) token pair as num/den.
func (s *Swap) SetRate(in, out common.Address, num, den int64) {
	s.rates[[2]common.Address{in, out}] = [2]int64{num, den}
}

func (s *Swap) ExactInput(ctx context.Context, path []byte, recipient common.Address, deadline time.Time, amountIn, amountOutMin *big.Int) (*big.Int, error) {
	if s.Now().After(deadline) {
		return nil, fmt.Errorf("swap: deadline %s exceeded", deadline.Format(time.RFC3339))
	}

	in, out, err := venue.PathEndpoints(path)
	if err != nil {
		return nil, err
	}
	rate, ok := s.rates[[2]common.Address{in, out}]
	if !ok {
		return nil, fmt.Errorf("swap: no rate for pair %s -> %s", in, out)
	}

	amountOut := new(big.Int).Mul(amountIn, big.NewInt(rate[0]))
	amountOut.Quo(amountOut, big.NewInt(rate[1]))
	if amountOutMin != nil && amountOut.Cmp(amountOutMin) < 0 {
		return nil, fmt.Errorf("swap: output %s below minimum %s", amountOut, amountOutMin)
	}

	if err := s.Bank.Transfer(ctx, in, recipient, s.Addr, amountIn); err != nil {
		return nil, err
	}
	s.Bank.Mint(out, recipient, amountOut)
	return amountOut, nil
}

var _ venue.SwapVenue = (*Swap)(nil)
