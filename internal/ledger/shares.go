package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// ShareLedger maintains the vault's fungible claim-token bookkeeping:
// per-holder balances and the total supply. Balances are created implicitly
// on first mint and removed when they return to zero. Mint and burn are
// called exclusively by the vault pipelines; the ledger itself enforces
// nothing about pricing.
//
// Not thread-safe — callers serialize access (the vault engine holds its
// lock across every pipeline).
type ShareLedger struct {
	balances    map[common.Address]*big.Int
	totalShares *big.Int
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		balances:    make(map[common.Address]*big.Int),
		totalShares: new(big.Int),
	}
}

// TotalShares returns the current share supply.
func (sl *ShareLedger) TotalShares() *big.Int {
	return new(big.Int).Set(sl.totalShares)
}

// BalanceOf returns the holder's share balance.
func (sl *ShareLedger) BalanceOf(holder common.Address) *big.Int {
	if bal, ok := sl.balances[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Mint credits newly created shares to a holder and grows the supply.
func (sl *ShareLedger) Mint(holder common.Address, shares *big.Int) error {
	if shares.Sign() < 0 {
		return fmt.Errorf("ledger: mint of negative share amount %s", shares)
	}
	if shares.Sign() == 0 {
		return nil
	}

	bal, ok := sl.balances[holder]
	if !ok {
		bal = new(big.Int)
		sl.balances[holder] = bal
	}
	bal.Add(bal, shares)
	sl.totalShares.Add(sl.totalShares, shares)
	return nil
}

// Burn cancels shares from a holder and shrinks the supply.
func (sl *ShareLedger) Burn(holder common.Address, shares *big.Int) error {
	if shares.Sign() < 0 {
		return fmt.Errorf("ledger: burn of negative share amount %s", shares)
	}
	if shares.Sign() == 0 {
		return nil
	}

	bal, ok := sl.balances[holder]
	if !ok || bal.Cmp(shares) < 0 {
		have := new(big.Int)
		if ok {
			have = bal
		}
		return fmt.Errorf("ledger: holder %s has %s shares, cannot burn %s", holder, have, shares)
	}
	bal.Sub(bal, shares)
	if bal.Sign() == 0 {
		delete(sl.balances, holder)
	}
	sl.totalShares.Sub(sl.totalShares, shares)
	return nil
}

// Transfer moves shares between holders without changing the supply.
func (sl *ShareLedger) Transfer(from, to common.Address, shares *big.Int) error {
	if shares.Sign() < 0 {
		return fmt.Errorf("ledger: transfer of negative share amount %s", shares)
	}
	bal, ok := sl.balances[from]
	if !ok || bal.Cmp(shares) < 0 {
		have := new(big.Int)
		if ok {
			have = bal
		}
		return fmt.Errorf("ledger: holder %s has %s shares, cannot transfer %s", from, have, shares)
	}
	bal.Sub(bal, shares)
	if bal.Sign() == 0 {
		delete(sl.balances, from)
	}

	toBal, ok := sl.balances[to]
	if !ok {
		toBal = new(big.Int)
		sl.balances[to] = toBal
	}
	toBal.Add(toBal, shares)
	return nil
}

// Holders returns all holders with a non-zero balance, sorted by address
// for deterministic iteration (digests, snapshots).
func (sl *ShareLedger) Holders() []common.Address {
	holders := make([]common.Address, 0, len(sl.balances))
	for h := range sl.balances {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].Cmp(holders[j]) < 0
	})
	return holders
}

// Snapshot returns a copy of all balances.
func (sl *ShareLedger) Snapshot() map[common.Address]*big.Int {
	snapshot := make(map[common.Address]*big.Int, len(sl.balances))
	for h, bal := range sl.balances {
		snapshot[h] = new(big.Int).Set(bal)
	}
	return snapshot
}

// Restore replaces the ledger content from a snapshot.
func (sl *ShareLedger) Restore(balances map[common.Address]*big.Int, totalShares *big.Int) error {
	restored := make(map[common.Address]*big.Int, len(balances))
	sum := new(big.Int)
	for h, bal := range balances {
		if bal.Sign() < 0 {
			return fmt.Errorf("ledger: snapshot balance for %s is negative: %s", h, bal)
		}
		if bal.Sign() == 0 {
			continue
		}
		restored[h] = new(big.Int).Set(bal)
		sum.Add(sum, bal)
	}
	if sum.Cmp(totalShares) != 0 {
		return fmt.Errorf("ledger: snapshot balances sum to %s, supply says %s", sum, totalShares)
	}
	sl.balances = restored
	sl.totalShares = new(big.Int).Set(totalShares)
	return nil
}

// ValidateConservation checks that the sum of all balances equals the
// supply. The pipelines run it after every mint/burn; a violation is a
// bookkeeping bug, never a recoverable condition.
func (sl *ShareLedger) ValidateConservation() error {
	sum := new(big.Int)
	for _, bal := range sl.balances {
		if bal.Sign() < 0 {
			return fmt.Errorf("ledger: negative balance %s", bal)
		}
		sum.Add(sum, bal)
	}
	if sum.Cmp(sl.totalShares) != 0 {
		return fmt.Errorf("ledger: balances sum to %s but total supply is %s", sum, sl.totalShares)
	}
	return nil
}
