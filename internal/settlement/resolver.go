// Package settlement decides what happens to an escrowed transaction given
// its attempt history and the latest delivery check. It performs no I/O.
package settlement

import (
	"fmt"

	"github.com/richardliu001/escrow-settler/internal/inventory"
	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultMaxAttempts is the failure budget before escalation.
const DefaultMaxAttempts = 3

// Kind is the decision variant.
type Kind int

const (
	Skip Kind = iota
	Release
	Refund
	RecordFailureAndRetry
	EscalateStuck
)

func (k Kind) String() string {
	switch k {
	case Skip:
		return "skip"
	case Release:
		return "release"
	case Refund:
		return "refund"
	case RecordFailureAndRetry:
		return "retry"
	case EscalateStuck:
		return "escalate"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// History is what the audit trail says about past attempts.
type History struct {
	Attempts  int
	Escalated bool
}

// LedgerOp is one balance mutation. Key makes it idempotent.
type LedgerOp struct {
	UserID uint64
	Amount decimal.Decimal
	Debit  bool
	Key    string
}

// Notice is a user-facing notification sent after commit.
type Notice struct {
	UserID  uint64
	Title   string
	Message string
}

// Decision carries the next state and every side effect of one resolution.
type Decision struct {
	Kind         Kind
	NextStatus   model.Status
	// Amount is the escrowed value the ledger ops move.
	Amount       decimal.Decimal
	Ledger       []LedgerOp
	SetReleased  bool
	SetRefunded  bool
	RefundReason string
	BanSeller    bool
	Log          *model.EscrowLog
	Event        string
	Notices      []Notice
	Reason       string
}

// Policy configures the resolver.
type Policy struct {
	MaxAttempts int
	// OperatorUserID receives escalation notices when non-zero.
	OperatorUserID uint64
}

// Resolver is pure: the same input always yields the same Decision.
type Resolver struct {
	policy Policy
}

func NewResolver(p Policy) *Resolver {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return &Resolver{policy: p}
}

// MaxAttempts returns the configured failure budget.
func (r *Resolver) MaxAttempts() int { return r.policy.MaxAttempts }

// Resolve decides the fate of t. Found beats any failure history.
func (r *Resolver) Resolve(t *model.Transaction, h History, out inventory.Outcome) Decision {
	if reason := notResolvable(t); reason != "" {
		return Decision{Kind: Skip, NextStatus: t.Status, Reason: reason}
	}
	switch out.Kind {
	case inventory.Found:
		if t.EscrowReleased {
			return Decision{Kind: Skip, NextStatus: t.Status, Reason: "seller already credited"}
		}
		return r.release(t)
	case inventory.NotFound:
		return r.refund(t)
	case inventory.Failure:
		return r.failure(t, h, out.Cause)
	}
	// an untagged outcome is treated like an uncategorized failure
	return r.failure(t, h, inventory.CauseUnknown)
}

func notResolvable(t *model.Transaction) string {
	switch {
	case t.Status.Terminal():
		return "terminal status " + string(t.Status)
	case t.Status != model.StatusInEscrow:
		return "not in escrow: " + string(t.Status)
	case t.Refunded:
		return "already refunded"
	}
	return ""
}

func escrowAmount(t *model.Transaction) decimal.Decimal {
	if t.Amount.IsPositive() {
		return t.Amount
	}
	return t.Offer.Price
}

func (r *Resolver) release(t *model.Transaction) Decision {
	amt := escrowAmount(t)
	return Decision{
		Kind:        Release,
		NextStatus:  model.StatusReleased,
		Amount:      amt,
		SetReleased: true,
		Ledger: []LedgerOp{
			{UserID: t.SellerID, Amount: amt, Key: fmt.Sprintf("escrow:release:%d", t.ID)},
		},
		Log: &model.EscrowLog{
			TransactionID: t.ID, Action: model.ActionEscrowReleased,
			Details: fmt.Sprintf("asset %s delivered, %s released to seller %d", t.Offer.AssetID, amt.StringFixed(2), t.SellerID),
		},
		Event: model.EventEscrowReleased,
		Notices: []Notice{
			{UserID: t.BuyerID, Title: "Purchase confirmed", Message: fmt.Sprintf("Your purchase of %s was confirmed.", itemName(t))},
			{UserID: t.SellerID, Title: "Funds released", Message: fmt.Sprintf("%s was credited to your wallet for %s.", amt.StringFixed(2), itemName(t))},
		},
	}
}

func (r *Resolver) refund(t *model.Transaction) Decision {
	amt := escrowAmount(t)
	var ops []LedgerOp
	if t.EscrowReleased {
		// the seller was paid by an earlier inconsistent write; take it back first
		ops = append(ops, LedgerOp{UserID: t.SellerID, Amount: amt, Debit: true, Key: fmt.Sprintf("escrow:reverse:%d", t.ID)})
	}
	ops = append(ops, LedgerOp{UserID: t.BuyerID, Amount: amt, Key: fmt.Sprintf("escrow:refund:%d", t.ID)})
	return Decision{
		Kind:         Refund,
		NextStatus:   model.StatusRefunded,
		Amount:       amt,
		Ledger:       ops,
		SetRefunded:  true,
		RefundReason: model.RefundReasonSteamCancel,
		BanSeller:    t.Status != model.StatusReleased,
		Log: &model.EscrowLog{
			TransactionID: t.ID, Action: model.ActionRefunded,
			Details: fmt.Sprintf("asset %s not in buyer inventory, %s refunded to buyer %d", t.Offer.AssetID, amt.StringFixed(2), t.BuyerID),
		},
		Event: model.EventEscrowRefunded,
		Notices: []Notice{
			{UserID: t.SellerID, Title: "Sale cancelled", Message: fmt.Sprintf("The sale of %s was cancelled because the item was not delivered. Your account has been restricted.", itemName(t))},
			{UserID: t.BuyerID, Title: "Refunded", Message: fmt.Sprintf("%s was not received. %s was returned to your wallet.", itemName(t), amt.StringFixed(2))},
		},
	}
}

func (r *Resolver) failure(t *model.Transaction, h History, cause inventory.Cause) Decision {
	if cause == "" {
		cause = inventory.CauseUnknown
	}
	if h.Attempts < r.policy.MaxAttempts {
		return Decision{
			Kind:       RecordFailureAndRetry,
			NextStatus: t.Status,
			Log:        &model.EscrowLog{TransactionID: t.ID, Action: model.ActionError, Details: string(cause)},
		}
	}
	d := Decision{
		Kind:       EscalateStuck,
		NextStatus: t.Status,
		Amount:     escrowAmount(t),
		Log:        &model.EscrowLog{TransactionID: t.ID, Action: model.ActionError, Details: model.DetailsMaxAttemptsReached},
		Reason:     string(cause),
	}
	if h.Escalated {
		return d
	}
	d.Event = model.EventEscrowStuck
	msg := fmt.Sprintf("Delivery of %s (transaction %d) could not be verified after %d attempts (last: %s). Manual review required.",
		itemName(t), t.ID, h.Attempts, cause)
	d.Notices = append(d.Notices, Notice{UserID: t.SellerID, Title: "Manual review required", Message: msg})
	if r.policy.OperatorUserID != 0 {
		d.Notices = append(d.Notices, Notice{UserID: r.policy.OperatorUserID, Title: "Escrow stuck", Message: msg})
	}
	return d
}

func itemName(t *model.Transaction) string {
	if t.Offer.Name != "" {
		return t.Offer.Name
	}
	if t.Offer.AssetID != "" {
		return "asset " + t.Offer.AssetID
	}
	return fmt.Sprintf("offer %d", t.OfferID)
}
