package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"StakeVault/internal/ledger"
	"StakeVault/internal/observability"
	"StakeVault/internal/record"
	"StakeVault/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config fixes the vault's identities and compounding parameters. Everything
// except the administrator is immutable after construction.
type Config struct {
	// VaultAddress is the vault's own custody account at the token venue.
	VaultAddress common.Address

	// Administrator guards the privileged entry points. Mutable only via
	// TransferAdministrator.
	Administrator common.Address

	// Token identities: the base asset accepted for deposit, its
	// liquid-staking derivative, the lending venue's receipt, and the
	// secondary reward token.
	BaseToken       common.Address
	DerivativeToken common.Address
	ReceiptToken    common.Address
	RewardToken     common.Address

	// Referral tag forwarded to the lending venue on supply.
	Referral uint16

	// SwapPath is the packed multi-hop path from the reward token to the
	// base asset (venue.EncodePath).
	SwapPath []byte

	// SwapDeadline is the window granted to the swap venue per cycle.
	SwapDeadline time.Duration

	// SwapMinOutBps sets the minimum-output floor for the compounding swap
	// as basis points of the amount in. The floor is denominated in input
	// (reward-token) units while the swap outputs base asset, so it only
	// bounds slippage when the path prices the pair near 1:1. For pairs
	// away from par the operator must fold the expected rate into the bps
	// value (e.g. 4750 for a 0.5 base-per-reward path with 5% tolerance).
	// Zero disables the floor.
	SwapMinOutBps int64
}

// Output pairs a committed operation record with its envelope for the
// persistence, projection, and publish sides.
type Output struct {
	Envelope record.Envelope
	Record   record.Record
}

// Vault is the share/asset accounting and custody-transition engine. Every
// pipeline (deposit, withdraw, compound, administrator transfer) runs to
// completion under the engine lock: its venue calls and ledger mutation form
// one atomic unit, and units are totally ordered. Valuation is never cached;
// every pricing decision reads venue balances fresh.
type Vault struct {
	mu sync.Mutex

	cfg    Config
	admin  common.Address
	venues venue.Venues

	shares   *ledger.ShareLedger
	hasher   *StateHasher
	sequence int64

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func NewVault(
	cfg Config,
	venues venue.Venues,
	persistChan, projectionChan chan<- Output,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Vault {
	return &Vault{
		cfg:            cfg,
		admin:          cfg.Administrator,
		venues:         venues,
		shares:         ledger.NewShareLedger(),
		hasher:         NewStateHasher(),
		log:            log,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Administrator returns the current privileged identity.
func (v *Vault) Administrator() common.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.admin
}

// TotalShares returns the current share supply.
func (v *Vault) TotalShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.TotalShares()
}

// SharesOf returns a holder's share balance.
func (v *Vault) SharesOf(holder common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.BalanceOf(holder)
}

// TotalAssets sums the vault-held derivative balance and the vault-held
// receipt balance, both read fresh from the token venue. The receipt is
// valued at par: the lending venue redeems it 1:1 plus accrued interest,
// which its balance already reflects. Two calls straddling an external
// balance change legitimately disagree.
func (v *Vault) TotalAssets(ctx context.Context) (*big.Int, error) {
	derivative, err := v.venues.Tokens.BalanceOf(ctx, v.cfg.DerivativeToken, v.cfg.VaultAddress)
	if err != nil {
		return nil, fmt.Errorf("read derivative balance: %w", err)
	}
	receipt, err := v.venues.Tokens.BalanceOf(ctx, v.cfg.ReceiptToken, v.cfg.VaultAddress)
	if err != nil {
		return nil, fmt.Errorf("read receipt balance: %w", err)
	}
	return derivative.Add(derivative, receipt), nil
}

// PreviewDeposit returns the shares a deposit of the given asset amount
// would mint at the current exchange rate. The floor division means a
// sufficiently small deposit relative to the pool previews (and mints)
// zero shares.
func (v *Vault) PreviewDeposit(ctx context.Context, assets *big.Int) (*big.Int, error) {
	total, err := v.TotalAssets(ctx)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToShares(assets, total)
}

// PreviewWithdraw returns the shares a withdrawal of the given asset amount
// would burn. Same formula as PreviewDeposit; the two can diverge under
// interleaved compounding because each reads the valuation at its own call
// time.
func (v *Vault) PreviewWithdraw(ctx context.Context, assets *big.Int) (*big.Int, error) {
	return v.PreviewDeposit(ctx, assets)
}

// convertToShares applies the exchange rate: assets at the 1:1 bootstrap
// rate when no shares exist, floor(assets * totalShares / totalAssets)
// otherwise. Requires v.mu held.
func (v *Vault) convertToShares(assets, totalAssets *big.Int) (*big.Int, error) {
	if assets.Sign() < 0 {
		return nil, fmt.Errorf("convert %s assets: negative amount", assets)
	}
	supply := v.shares.TotalShares()
	if supply.Sign() == 0 {
		return new(big.Int).Set(assets), nil
	}
	if totalAssets.Sign() <= 0 {
		return nil, ErrZeroValuation
	}
	shares := new(big.Int).Mul(assets, supply)
	return shares.Quo(shares, totalAssets), nil
}

// DepositNative runs the native-asset intake: pull the sent amount from the
// depositor, stake it for the derivative, price shares, supply the
// derivative to the lending venue, then mint. Returns the minted shares.
func (v *Vault) DepositNative(ctx context.Context, depositor common.Address, amount *big.Int, receiver common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	if amount == nil || amount.Sign() <= 0 {
		v.reject(record.RecordTypeDeposit, "zero_deposit")
		return nil, ErrZeroDeposit
	}

	if err := v.venues.Tokens.Transfer(ctx, v.cfg.BaseToken, depositor, v.cfg.VaultAddress, amount); err != nil {
		v.reject(record.RecordTypeDeposit, "venue")
		return nil, fmt.Errorf("pull base asset: %w", err)
	}

	shares, staked, err := v.stakeAndSupply(ctx, amount, &receiver)
	if err != nil {
		v.reject(record.RecordTypeDeposit, "venue")
		return nil, err
	}

	v.commit(&record.Deposit{
		DepositID: uuid.New(),
		Intake:    record.IntakeNative,
		Depositor: depositor,
		Receiver:  receiver,
		AssetsIn:  new(big.Int).Set(amount),
		Staked:    staked,
		Shares:    shares,
		Timestamp: time.Now(),
	}, start)
	return shares, nil
}

// DepositToken runs the token intake: pull the exact derivative amount from
// the depositor under its pre-existing allowance, then the shared tail
// (supply, price, mint). Returns the minted shares.
func (v *Vault) DepositToken(ctx context.Context, depositor common.Address, amount *big.Int, receiver common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	if amount == nil || amount.Sign() <= 0 {
		v.reject(record.RecordTypeDeposit, "zero_deposit")
		return nil, ErrZeroDeposit
	}

	allowed, err := v.venues.Tokens.Allowance(ctx, v.cfg.DerivativeToken, depositor, v.cfg.VaultAddress)
	if err != nil {
		v.reject(record.RecordTypeDeposit, "venue")
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowed.Cmp(amount) < 0 {
		v.reject(record.RecordTypeDeposit, "insufficient_allowance")
		return nil, fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowed, amount)
	}

	if err := v.venues.Tokens.TransferFrom(ctx, v.cfg.DerivativeToken, depositor, v.cfg.VaultAddress, v.cfg.VaultAddress, amount); err != nil {
		v.reject(record.RecordTypeDeposit, "venue")
		return nil, fmt.Errorf("pull derivative asset: %w", err)
	}

	shares, err := v.supplyAndMint(ctx, amount, &receiver)
	if err != nil {
		v.reject(record.RecordTypeDeposit, "venue")
		return nil, err
	}

	v.commit(&record.Deposit{
		DepositID: uuid.New(),
		Intake:    record.IntakeToken,
		Depositor: depositor,
		Receiver:  receiver,
		AssetsIn:  new(big.Int).Set(amount),
		Staked:    new(big.Int).Set(amount),
		Shares:    shares,
		Timestamp: time.Now(),
	}, start)
	return shares, nil
}

// stakeAndSupply converts a vault-held base amount into the derivative and
// runs the shared deposit tail. When receiver is nil (compounding restake)
// no shares are minted and the returned share amount is zero. Requires
// v.mu held.
func (v *Vault) stakeAndSupply(ctx context.Context, baseAmount *big.Int, receiver *common.Address) (shares, staked *big.Int, err error) {
	staked, err = v.venues.Staking.Stake(ctx, baseAmount, v.cfg.VaultAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("stake: %w", err)
	}
	if staked.Sign() == 0 {
		return nil, nil, ErrStakingYieldedNothing
	}

	shares, err = v.supplyAndMint(ctx, staked, receiver)
	if err != nil {
		return nil, nil, err
	}
	return shares, staked, nil
}

// supplyAndMint is the deposit tail: price shares at the post-stake,
// pre-lend moment, move the derivative into the lending venue, and mint
// strictly after the supply call succeeds.
//
// Pricing excludes the just-received derivative from the valuation basis so
// the mint matches PreviewDeposit taken immediately before the pipeline ran;
// pricing against a basis that already counts the incoming assets would
// dilute every deposit against itself. Requires v.mu held.
func (v *Vault) supplyAndMint(ctx context.Context, derivativeAmount *big.Int, receiver *common.Address) (*big.Int, error) {
	shares := new(big.Int)
	if receiver != nil {
		total, err := v.TotalAssets(ctx)
		if err != nil {
			return nil, err
		}
		basis := new(big.Int).Sub(total, derivativeAmount)
		shares, err = v.convertToShares(derivativeAmount, basis)
		if err != nil {
			return nil, err
		}
	}

	if err := v.venues.Lending.Supply(ctx, v.cfg.DerivativeToken, derivativeAmount, v.cfg.VaultAddress, v.cfg.Referral); err != nil {
		return nil, fmt.Errorf("lending supply: %w", err)
	}

	if receiver != nil {
		if err := v.shares.Mint(*receiver, shares); err != nil {
			return nil, err
		}
		v.mustConserve()
	}
	return shares, nil
}

// Withdraw pulls the requested derivative amount out of the lending venue,
// verifies custody actually holds it, burns the corresponding shares from
// the owner, and transfers the amount to the receiver. Returns the burned
// shares.
func (v *Vault) Withdraw(ctx context.Context, assets *big.Int, receiver, owner common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	if assets == nil || assets.Sign() <= 0 {
		v.reject(record.RecordTypeWithdrawal, "zero_amount")
		return nil, ErrZeroWithdrawal
	}

	if _, err := v.venues.Lending.Withdraw(ctx, v.cfg.DerivativeToken, assets, v.cfg.VaultAddress); err != nil {
		v.reject(record.RecordTypeWithdrawal, "venue")
		return nil, fmt.Errorf("lending withdraw: %w", err)
	}

	// The lending venue may return less than requested (rounding, partial
	// liquidity). Verify against actual custody, not the venue's return.
	held, err := v.venues.Tokens.BalanceOf(ctx, v.cfg.DerivativeToken, v.cfg.VaultAddress)
	if err != nil {
		v.reject(record.RecordTypeWithdrawal, "venue")
		return nil, fmt.Errorf("read derivative balance: %w", err)
	}
	if held.Cmp(assets) < 0 {
		v.reject(record.RecordTypeWithdrawal, "short_withdrawal")
		return nil, fmt.Errorf("%w: hold %s, need %s", ErrInsufficientPostWithdrawalBalance, held, assets)
	}

	// Withdraw pricing: the amount just pulled back is still in vault
	// custody, so the valuation here equals the pre-withdrawal total.
	total, err := v.TotalAssets(ctx)
	if err != nil {
		v.reject(record.RecordTypeWithdrawal, "venue")
		return nil, err
	}
	shares, err := v.convertToShares(assets, total)
	if err != nil {
		v.reject(record.RecordTypeWithdrawal, "venue")
		return nil, err
	}
	if v.shares.BalanceOf(owner).Cmp(shares) < 0 {
		v.reject(record.RecordTypeWithdrawal, "insufficient_shares")
		return nil, fmt.Errorf("%w: owner %s holds %s, needs %s", ErrInsufficientShares, owner, v.shares.BalanceOf(owner), shares)
	}

	if err := v.shares.Burn(owner, shares); err != nil {
		v.reject(record.RecordTypeWithdrawal, "insufficient_shares")
		return nil, fmt.Errorf("%w: %v", ErrInsufficientShares, err)
	}
	v.mustConserve()

	if err := v.venues.Tokens.Transfer(ctx, v.cfg.DerivativeToken, v.cfg.VaultAddress, receiver, assets); err != nil {
		// Burn succeeded but payout failed: restore the ledger so the
		// atomic unit leaves no partial effect.
		if restoreErr := v.shares.Mint(owner, shares); restoreErr != nil {
			v.log.Error().Err(restoreErr).Msg("restore burned shares after failed payout")
		}
		v.reject(record.RecordTypeWithdrawal, "venue")
		return nil, fmt.Errorf("transfer to receiver: %w", err)
	}

	v.commit(&record.Withdrawal{
		WithdrawalID: uuid.New(),
		Owner:        owner,
		Receiver:     receiver,
		Assets:       new(big.Int).Set(assets),
		Shares:       shares,
		Timestamp:    time.Now(),
	}, start)
	return shares, nil
}

// Compound runs the administrator-only harvest, convert, restake cycle.
// The converted assets re-enter through the deposit tail without minting,
// so they accrue to existing holders by raising total assets at constant
// supply. Postcondition: total assets strictly increased.
func (v *Vault) Compound(ctx context.Context, caller common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	if caller != v.admin {
		v.reject(record.RecordTypeCompound, "unauthorized")
		return fmt.Errorf("%w: caller %s, administrator %s", ErrUnauthorized, caller, v.admin)
	}

	before, err := v.TotalAssets(ctx)
	if err != nil {
		v.reject(record.RecordTypeCompound, "venue")
		return err
	}

	// Stage 1: harvest everything accrued against the lending position.
	harvested, err := v.venues.Reward.Claim(
		ctx,
		[]common.Address{v.cfg.ReceiptToken},
		venue.MaxClaim,
		v.cfg.VaultAddress,
		v.cfg.RewardToken,
	)
	if err != nil {
		v.reject(record.RecordTypeCompound, "venue")
		return fmt.Errorf("claim rewards: %w", err)
	}

	converted := new(big.Int)
	restaked := new(big.Int)
	if harvested.Sign() > 0 {
		// Stage 2: convert the full harvest to the base asset.
		minOut := new(big.Int).Mul(harvested, big.NewInt(v.cfg.SwapMinOutBps))
		minOut.Quo(minOut, big.NewInt(10_000))
		deadline := time.Now().Add(v.cfg.SwapDeadline)

		converted, err = v.venues.Swap.ExactInput(ctx, v.cfg.SwapPath, v.cfg.VaultAddress, deadline, harvested, minOut)
		if err != nil {
			v.reject(record.RecordTypeCompound, "venue")
			return fmt.Errorf("convert rewards: %w", err)
		}

		// Stage 3: restake through the deposit tail without minting.
		if converted.Sign() > 0 {
			_, restaked, err = v.stakeAndSupply(ctx, converted, nil)
			if err != nil {
				v.reject(record.RecordTypeCompound, "venue")
				return fmt.Errorf("restake: %w", err)
			}
		}
	}

	after, err := v.TotalAssets(ctx)
	if err != nil {
		v.reject(record.RecordTypeCompound, "venue")
		return err
	}
	if after.Cmp(before) <= 0 {
		v.reject(record.RecordTypeCompound, "no_increase")
		return fmt.Errorf("%w: %s before, %s after", ErrCompoundingDidNotIncreaseAssets, before, after)
	}

	v.commit(&record.Compound{
		CompoundID:        uuid.New(),
		Caller:            caller,
		Harvested:         harvested,
		Converted:         converted,
		Restaked:          restaked,
		TotalAssetsBefore: before,
		TotalAssetsAfter:  after,
		Timestamp:         time.Now(),
	}, start)
	return nil
}

// TransferAdministrator moves administrator rights to a new identity,
// gated by the current holder.
func (v *Vault) TransferAdministrator(ctx context.Context, caller, next common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	if caller != v.admin {
		v.reject(record.RecordTypeAdminTransfer, "unauthorized")
		return fmt.Errorf("%w: caller %s, administrator %s", ErrUnauthorized, caller, v.admin)
	}

	previous := v.admin
	v.admin = next

	v.commit(&record.AdminTransfer{
		TransferID: uuid.New(),
		Previous:   previous,
		Next:       next,
		Timestamp:  time.Now(),
	}, start)
	return nil
}

// commit assigns a sequence, advances the state hash chain, and emits the
// record: blocking send to the persist channel (backpressure, no record
// lost), non-blocking send to the projection channel (rebuildable).
// Requires v.mu held.
func (v *Vault) commit(rec record.Record, started time.Time) {
	seq := v.sequence
	v.sequence++

	prevHash := v.hasher.GetPrevHash()
	stateHash := v.hasher.ComputeHash(seq, LedgerDigest(v.shares))

	envelope := record.Envelope{
		Sequence:       seq,
		IdempotencyKey: rec.IdempotencyKey(),
		RecordType:     rec.RecordType(),
		Holder:         rec.Holder(),
		Timestamp:      time.Now(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := Output{Envelope: envelope, Record: rec}

	if v.persistChan != nil {
		v.persistChan <- output
	}
	if v.projectionChan != nil {
		select {
		case v.projectionChan <- output:
		default:
			if v.metrics != nil {
				v.metrics.ProjectionDrops.WithLabelValues("holdings").Inc()
			}
		}
	}

	v.log.Info().
		Str("record_type", rec.RecordType().String()).
		Int64("sequence", seq).
		Str("idempotency_key", rec.IdempotencyKey()).
		Msg("operation committed")

	if v.metrics != nil {
		v.metrics.OpsApplied.WithLabelValues(rec.RecordType().String()).Inc()
		v.metrics.OpDuration.WithLabelValues(rec.RecordType().String()).Observe(time.Since(started).Seconds())
		v.metrics.EngineSequence.Set(float64(v.sequence))
		v.setPoolGauges()
	}
}

func (v *Vault) reject(rt record.RecordType, reason string) {
	if v.metrics != nil {
		v.metrics.OpsRejected.WithLabelValues(rt.String(), reason).Inc()
	}
}

// setPoolGauges publishes supply and share-price gauges. Valuation gauges
// are best-effort reads; they never affect pipeline outcomes.
func (v *Vault) setPoolGauges() {
	supply := v.shares.TotalShares()
	supplyF, _ := new(big.Float).SetInt(supply).Float64()
	v.metrics.TotalShares.Set(supplyF)

	total, err := v.TotalAssets(context.Background())
	if err != nil {
		return
	}
	totalF, _ := new(big.Float).SetInt(total).Float64()
	v.metrics.TotalAssets.Set(totalF)

	if supply.Sign() > 0 {
		price, _ := new(big.Float).Quo(
			new(big.Float).SetInt(total),
			new(big.Float).SetInt(supply),
		).Float64()
		v.metrics.SharePrice.Set(price)
	}
}

// mustConserve panics when the share ledger stops summing to its supply.
// A conservation break means the bookkeeping itself is wrong; continuing
// would corrupt every subsequent pricing decision.
func (v *Vault) mustConserve() {
	if err := v.shares.ValidateConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: share conservation violated: %v", err))
	}
}

// --- Snapshot & Restore ---

// SnapshotState holds the serializable in-memory engine state.
type SnapshotState struct {
	Sequence      int64
	StateHash     [32]byte
	Administrator common.Address
	TotalShares   *big.Int
	Balances      map[common.Address]*big.Int
}

// CreateSnapshotState captures the engine state for persistence.
func (v *Vault) CreateSnapshotState() *SnapshotState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &SnapshotState{
		Sequence:      v.sequence - 1, // last committed sequence
		StateHash:     v.hasher.GetPrevHash(),
		Administrator: v.admin,
		TotalShares:   v.shares.TotalShares(),
		Balances:      v.shares.Snapshot(),
	}
}

// RestoreFromSnapshot rebuilds the engine state on warm restart.
func (v *Vault) RestoreFromSnapshot(snap *SnapshotState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.shares.Restore(snap.Balances, snap.TotalShares); err != nil {
		return err
	}
	v.sequence = snap.Sequence + 1
	v.admin = snap.Administrator
	v.hasher.SetPrevHash(snap.StateHash)
	return nil
}

// Sequence returns the next sequence the engine will assign.
func (v *Vault) Sequence() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sequence
}

// StateHash returns the current hash chain tip.
func (v *Vault) StateHash() [32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasher.GetPrevHash()
}
