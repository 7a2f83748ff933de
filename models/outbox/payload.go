package outbox

import (
	"time"

	"github.com/google/uuid"
)

// CallbackPayload is the body of a merchant callback, serialized into the
// outbox row when the state change is committed. Amounts are decimal
// strings of atomic units.
type CallbackPayload struct {
	InvoiceID       uuid.UUID `json:"invoiceId"`
	MerchantOrderID string    `json:"merchantOrderId"`
	Status          string    `json:"status"`
	// Event distinguishes informational callbacks (OVERPAYMENT, LATE_FUNDS,
	// CHARGEBACK_SUSPECTED) from plain status changes
	Event               string    `json:"event,omitempty"`
	PaidAmountAtomic    string    `json:"paidAmountAtomic,omitempty"`
	SurplusAmountAtomic string    `json:"surplusAmountAtomic,omitempty"`
	PartialAmountAtomic string    `json:"partialAmountAtomic,omitempty"`
	Token               string    `json:"token,omitempty"`
	Chain               string    `json:"chain,omitempty"`
	TxHashes            []string  `json:"txHashes,omitempty"`
	OccurredAt          time.Time `json:"occurredAt"`
}

// ConfirmationPoll is the payload of a PAID_AWAITING_CONFIRMATION record.
// The dispatcher re-reads the chain head and either confirms the invoice
// or reschedules itself.
type ConfirmationPoll struct {
	InvoiceID uuid.UUID `json:"invoiceId"`
	IntentID  uuid.UUID `json:"intentId"`
	Chain     string    `json:"chain"`
}
