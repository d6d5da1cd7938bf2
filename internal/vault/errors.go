package vault

import "errors"

// Sentinel errors for the vault pipelines. Input-validation and
// authorization errors are raised before any external call; venue-contract
// and postcondition errors abort the pipeline with no ledger change.
var (
	// ErrZeroDeposit rejects a deposit of amount zero.
	ErrZeroDeposit = errors.New("deposit amount is zero")

	// ErrZeroWithdrawal rejects a withdrawal of amount zero.
	ErrZeroWithdrawal = errors.New("withdrawal amount is zero")

	// ErrInsufficientAllowance rejects a token deposit without enough
	// pre-existing allowance from the depositor to the vault.
	ErrInsufficientAllowance = errors.New("insufficient allowance for deposit")

	// ErrStakingYieldedNothing aborts a deposit whose stake call returned
	// a zero derivative amount.
	ErrStakingYieldedNothing = errors.New("staking venue yielded nothing")

	// ErrInsufficientPostWithdrawalBalance aborts a withdrawal when the
	// lending venue returned less than requested.
	ErrInsufficientPostWithdrawalBalance = errors.New("vault balance below requested amount after lending withdrawal")

	// ErrInsufficientShares aborts a withdrawal when the owner's share
	// balance is below the amount to burn.
	ErrInsufficientShares = errors.New("insufficient shares to burn")

	// ErrUnauthorized rejects a privileged operation from a caller that is
	// not the current administrator.
	ErrUnauthorized = errors.New("caller is not the administrator")

	// ErrCompoundingDidNotIncreaseAssets reports the compounding
	// postcondition violation: the cycle completed its venue calls but
	// total managed assets did not strictly increase. Distinct from a
	// venue failure so operators can tell "nothing happened" from "a
	// venue call failed outright".
	ErrCompoundingDidNotIncreaseAssets = errors.New("compounding did not increase total assets")

	// ErrZeroValuation aborts share pricing when shares are outstanding
	// but the managed total is zero; minting against an empty pool with
	// existing claims has no meaningful price.
	ErrZeroValuation = errors.New("total assets is zero with shares outstanding")
)
