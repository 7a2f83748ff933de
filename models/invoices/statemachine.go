package invoices

import (
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoiceUnderpaid InvoiceStatus = "UNDERPAID"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceConfirmed InvoiceStatus = "CONFIRMED"
	InvoiceExpired   InvoiceStatus = "EXPIRED"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// Terminal reports whether no outgoing transition is permitted from s
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoiceConfirmed, InvoiceExpired, InvoiceCancelled:
		return true
	}
	return false
}

// IntentStatus is the lifecycle state of a payment intent
type IntentStatus string

const (
	IntentAwaitingFunds   IntentStatus = "AWAITING_FUNDS"
	IntentPartiallyFunded IntentStatus = "PARTIALLY_FUNDED"
	IntentFunded          IntentStatus = "FUNDED"
	IntentOverfunded      IntentStatus = "OVERFUNDED"
	IntentConfirmed       IntentStatus = "CONFIRMED"
	IntentExpired         IntentStatus = "EXPIRED"
	IntentCancelled       IntentStatus = "CANCELLED"
)

// Terminal reports whether no outgoing transition is permitted from s
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentConfirmed, IntentExpired, IntentCancelled:
		return true
	}
	return false
}

// Effect is a side effect the caller must persist in the same transaction
// as the state change that produced it
type Effect string

const (
	EffectStatusChanged            Effect = "INVOICE_STATUS_CHANGED"
	EffectPaidAwaitingConfirmation Effect = "PAID_AWAITING_CONFIRMATION"
	EffectOverpayment              Effect = "OVERPAYMENT"
	EffectLateFunds                Effect = "LATE_FUNDS"
	EffectChargebackSuspected      Effect = "CHARGEBACK_SUSPECTED"
)

// CreditOutcome is what applying a transfer to an intent results in. It is
// computed without I/O; the caller persists the new statuses and the effects
// atomically.
type CreditOutcome struct {
	IntentStatus  IntentStatus
	InvoiceStatus InvoiceStatus
	// CreditedTotal is the intent's credited sum after this transfer
	CreditedTotal decimal.Decimal
	// Surplus is how much the credited sum exceeds the target, zero unless
	// the intent ends up OVERFUNDED
	Surplus decimal.Decimal
	// Credited is false when the transfer is recorded without being
	// credited (zero amount, or terminal invoice)
	Credited bool
	Effects  []Effect
}

// ApplyCredit implements the credit rule. Given the invoice and intent
// state and a transfer of `amount` toward an intent with target `target`
// and prior credited sum `prior`, it returns the resulting states and the
// effects to enqueue. Pure arithmetic, no I/O.
func ApplyCredit(invoiceStatus InvoiceStatus, intentStatus IntentStatus,
	target, prior, amount decimal.Decimal) CreditOutcome {

	outcome := CreditOutcome{
		IntentStatus:  intentStatus,
		InvoiceStatus: invoiceStatus,
		CreditedTotal: prior,
		Surplus:       decimal.Zero,
	}

	// late funds: record the transfer, emit LATE_FUNDS, change nothing
	if invoiceStatus.Terminal() {
		outcome.Effects = []Effect{EffectLateFunds}
		return outcome
	}

	// zero-amount transfers are recorded but never credited
	if amount.IsZero() {
		return outcome
	}

	sum := prior.Add(amount)
	outcome.CreditedTotal = sum
	outcome.Credited = true

	switch sum.Cmp(target) {
	case -1:
		outcome.IntentStatus = IntentPartiallyFunded
		if invoiceStatus == InvoicePending {
			outcome.InvoiceStatus = InvoiceUnderpaid
		}
		outcome.Effects = []Effect{EffectStatusChanged}
	case 0:
		outcome.IntentStatus = IntentFunded
		outcome.InvoiceStatus = InvoicePaid
		outcome.Effects = []Effect{EffectStatusChanged}
		if invoiceStatus != InvoicePaid {
			outcome.Effects = append(outcome.Effects, EffectPaidAwaitingConfirmation)
		}
	case 1:
		outcome.IntentStatus = IntentOverfunded
		outcome.InvoiceStatus = InvoicePaid
		outcome.Surplus = sum.Sub(target)
		outcome.Effects = []Effect{EffectStatusChanged}
		if invoiceStatus != InvoicePaid {
			outcome.Effects = append(outcome.Effects, EffectPaidAwaitingConfirmation)
		}
		outcome.Effects = append(outcome.Effects, EffectOverpayment)
	}

	return outcome
}

// ApplyExpiry implements the expiry rule: PENDING and UNDERPAID invoices
// past their expiry move to EXPIRED, everything else is left alone. The
// second return value says whether a transition happened.
func ApplyExpiry(invoiceStatus InvoiceStatus) (InvoiceStatus, bool) {
	switch invoiceStatus {
	case InvoicePending, InvoiceUnderpaid:
		return InvoiceExpired, true
	}
	return invoiceStatus, false
}

// ApplyConfirmation decides what happens when all funding transfers of a
// PAID invoice have reached the confirmation threshold (`met`). An invoice
// advances to CONFIRMED only from PAID; once CONFIRMED has been emitted a
// reorg yields a CHARGEBACK_SUSPECTED effect instead of a regression.
func ApplyConfirmation(invoiceStatus InvoiceStatus, met bool) (InvoiceStatus, []Effect) {
	switch {
	case invoiceStatus == InvoicePaid && met:
		return InvoiceConfirmed, []Effect{EffectStatusChanged}
	case invoiceStatus == InvoiceConfirmed && !met:
		return InvoiceConfirmed, []Effect{EffectChargebackSuspected}
	default:
		return invoiceStatus, nil
	}
}
