package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/richardliu001/escrow-settler/internal/settlement"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrStale means the transaction changed after it was verified; the decision
// no longer applies and nothing was written.
var ErrStale = errors.New("transaction changed since verification")

// commit applies d atomically. The row is locked and compared against the
// version seen before verification, so of two overlapping commits for the
// same snapshot only the first writes anything.
func (s *Sweeper) commit(ctx context.Context, seen *model.Transaction, d settlement.Decision) (map[uint64]decimal.Decimal, error) {
	now := s.nowFn()
	balances := make(map[uint64]decimal.Decimal)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.repo.GetTransactionForUpdate(ctx, tx, seen.ID)
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if cur.Version != seen.Version || cur.Status != model.StatusInEscrow || cur.Refunded ||
			(d.SetReleased && cur.EscrowReleased) {
			return ErrStale
		}

		for _, op := range d.Ledger {
			var bal decimal.Decimal
			if op.Debit {
				bal, err = s.ledger.Debit(ctx, tx, op.UserID, op.Amount, op.Key, cur.ID)
			} else {
				bal, err = s.ledger.Credit(ctx, tx, op.UserID, op.Amount, op.Key, cur.ID)
			}
			if err != nil {
				return fmt.Errorf("ledger %s: %w", op.Key, err)
			}
			balances[op.UserID] = bal
		}

		fields := map[string]interface{}{"status": d.NextStatus}
		if d.SetReleased {
			fields["escrow_released"] = true
		}
		if d.SetRefunded {
			fields["refunded"] = true
			fields["refund_reason"] = d.RefundReason
		}
		if d.BanSeller {
			fields["banned_seller"] = true
			if err := s.repo.SoftBanUser(ctx, tx, cur.SellerID, now); err != nil {
				return fmt.Errorf("ban seller: %w", err)
			}
		}
		if d.Log != nil && d.Log.Action == model.ActionError {
			fields["attempt_count"] = cur.AttemptCount + 1
		}
		if err := s.repo.UpdateTransaction(ctx, tx, cur.ID, cur.Version, fields); err != nil {
			if errors.Is(err, repo.ErrOptimisticLock) {
				return ErrStale
			}
			return err
		}

		if d.Log != nil {
			l := *d.Log
			if err := s.repo.AppendEscrowLog(ctx, tx, &l); err != nil {
				return fmt.Errorf("append log: %w", err)
			}
		}
		if d.Event != "" {
			payload, err := json.Marshal(map[string]interface{}{
				"transaction_id": cur.ID, "buyer_id": cur.BuyerID, "seller_id": cur.SellerID,
				"amount": d.Amount, "status": d.NextStatus, "reason": d.Reason,
			})
			if err != nil {
				return fmt.Errorf("encode %s payload: %w", d.Event, err)
			}
			evt := &model.OutboxEvent{
				Aggregate: "Transaction", AggregateID: cur.ID, EventType: d.Event, Payload: string(payload),
			}
			if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
				return fmt.Errorf("outbox: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}
