package ledger

import (
	"fmt"

	"PerpAMM/internal/event"
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/state"

	"github.com/google/uuid"
)

// batchNamespace seeds the name-based batch and journal ids so that replaying
// the same event yields the same ids.
var batchNamespace = uuid.MustParse("8f0c6a52-4c1e-5d0b-9a57-2f4d7e3b1c90")

// JournalGenerator turns applied market operations into balanced journal
// batches describing the collateral the collaborator has to move.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// Generate builds the batch for evt, given the result the market returned
// for it. It returns nil when the operation moved no collateral.
func (jg *JournalGenerator) Generate(seq int64, evt event.Event, result any) (*Batch, error) {
	b := newBatchBuilder(seq, evt)
	market := evt.MarketID()

	switch e := evt.(type) {
	case *event.MarketCreated, *event.IndexPriceUpdated:
		return nil, nil

	case *event.LiquidityPositionIncreased:
		b.transfer(liquidityMargin(market), NewWalletAccountKey(e.Account), e.MarginDelta, JournalTypeMarginDeposit)

	case *event.LiquidityPositionDecreased:
		res, ok := result.(state.DecreaseLiquidityPositionResult)
		if !ok {
			return nil, resultTypeError(evt, result)
		}
		b.transfer(NewWalletAccountKey(e.Receiver), liquidityMargin(market), res.MarginDeltaPaid, JournalTypeMarginWithdrawal)

	case *event.LiquidityPositionLiquidated:
		res, ok := result.(state.LiquidateLiquidityPositionResult)
		if !ok {
			return nil, resultTypeError(evt, result)
		}
		b.transfer(NewWalletAccountKey(e.FeeReceiver), liquidityMargin(market), res.LiquidationExecutionFee, JournalTypeExecutionFee)
		b.transferSigned(liquidationFund(market), liquidityMargin(market), res.LiquidationFundDelta, JournalTypeLiquidationFund)

	case *event.PositionIncreased:
		res, ok := result.(state.IncreasePositionResult)
		if !ok {
			return nil, resultTypeError(evt, result)
		}
		b.transfer(positionMargin(market), NewWalletAccountKey(e.Account), e.MarginDelta, JournalTypeMarginDeposit)
		b.fees(market, res.Fees)

	case *event.PositionDecreased:
		res, ok := result.(state.DecreasePositionResult)
		if !ok {
			return nil, resultTypeError(evt, result)
		}
		b.fees(market, res.Fees)
		b.transferSigned(positionMargin(market), liquidityMargin(market), res.RealizedPnL, JournalTypeRealizedPnL)
		b.transfer(NewWalletAccountKey(e.Receiver), positionMargin(market), res.MarginDeltaPaid, JournalTypeMarginWithdrawal)

	case *event.PositionLiquidated:
		res, ok := result.(state.LiquidatePositionResult)
		if !ok {
			return nil, resultTypeError(evt, result)
		}
		if err := b.positionLiquidation(market, e.FeeReceiver, res); err != nil {
			return nil, err
		}

	case *event.FundingRateSampled:
		res, ok := result.(state.FundingAdjustment)
		if !ok {
			return nil, resultTypeError(evt, result)
		}
		b.transfer(liquidityMargin(market), positionMargin(market), res.LiquidityFunding, JournalTypeFunding)

	default:
		return nil, fmt.Errorf("no journal mapping for %s", evt.EventType())
	}

	if len(b.batch.Journals) == 0 {
		return nil, nil
	}
	return b.batch, nil
}

// positionLiquidation: the position's whole remaining claim leaves
// position_margin. Execution fee to the keeper, trading fee shares, the
// liquidation fee to the fund, and the rest to the LPs as realized loss.
// The fund then settles the slippage and funding shortfall with the LPs.
func (b *batchBuilder) positionLiquidation(market string, feeReceiver uuid.UUID, res state.LiquidatePositionResult) error {
	b.transfer(NewWalletAccountKey(feeReceiver), positionMargin(market), res.ExecutionFee, JournalTypeExecutionFee)
	b.fees(market, res.Fees)
	b.transfer(liquidationFund(market), positionMargin(market), res.LiquidationFee, JournalTypeLiquidationFee)

	loss, err := res.Margin.ToInt().Add(res.AdjustedFundingFee)
	if err != nil {
		return err
	}
	for _, v := range []fpmath.Uint{res.ExecutionFee, res.Fees.TradingFee, res.LiquidationFee} {
		if loss, err = loss.SubUint(v); err != nil {
			return err
		}
	}
	b.transferSigned(liquidityMargin(market), positionMargin(market), loss, JournalTypeLiquidationLoss)

	rest, err := res.LiquidationFundDelta.SubUint(res.LiquidationFee)
	if err != nil {
		return err
	}
	b.transferSigned(liquidationFund(market), liquidityMargin(market), rest, JournalTypeLiquidationFund)
	return nil
}

func (b *batchBuilder) fees(market string, d state.FeeDistribution) {
	b.transfer(NewMarketAccountKey(market, SubTypeProtocolFee), positionMargin(market), d.ProtocolFee, JournalTypeProtocolFee)
	b.transfer(NewMarketAccountKey(market, SubTypeReferralFee), positionMargin(market), d.ReferralFee, JournalTypeReferralFee)
	b.transfer(NewMarketAccountKey(market, SubTypeReferralFee), positionMargin(market), d.ReferralParentFee, JournalTypeReferralFee)
	b.transfer(liquidityMargin(market), positionMargin(market), d.LiquidityFee, JournalTypeLiquidityFee)
}

// ============================================================================
// Batch builder
// ============================================================================

type batchBuilder struct {
	batch *Batch
}

func newBatchBuilder(seq int64, evt event.Event) *batchBuilder {
	ref := evt.IdempotencyKey()
	return &batchBuilder{batch: &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%d:%s", seq, ref))),
		EventRef:  ref,
		Sequence:  seq,
		Timestamp: evt.OccurredAt(),
	}}
}

// transfer moves amount from credit to debit. Zero amounts are skipped.
func (b *batchBuilder) transfer(debit, credit AccountKey, amount fpmath.Uint, jt JournalType) {
	if amount.IsZero() {
		return
	}
	idx := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.batch.BatchID, []byte(fmt.Sprintf("%d", idx))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// transferSigned moves amount from credit to debit, or the other way round
// when amount is negative.
func (b *batchBuilder) transferSigned(debit, credit AccountKey, amount fpmath.Int, jt JournalType) {
	if amount.IsNegative() {
		debit, credit = credit, debit
	}
	b.transfer(debit, credit, amount.Abs(), jt)
}

func liquidityMargin(market string) AccountKey {
	return NewMarketAccountKey(market, SubTypeLiquidityMargin)
}

func positionMargin(market string) AccountKey {
	return NewMarketAccountKey(market, SubTypePositionMargin)
}

func liquidationFund(market string) AccountKey {
	return NewMarketAccountKey(market, SubTypeLiquidationFund)
}

func resultTypeError(evt event.Event, result any) error {
	return fmt.Errorf("%s: unexpected result type %T", evt.EventType(), result)
}
