// Package ingress turns provider transfer events into invoice state. Each
// event is processed in a single transaction: the transfer row, the funds
// ledger entry, the intent and invoice status updates, and the outbox rows
// either all commit or none do.
package ingress

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
	"github.com/stanislawq/Cryptocurrency-gateway/models/transfers"
	"github.com/stanislawq/Cryptocurrency-gateway/provider"
)

var log = build.AddSubLogger("INGR")

// Event is a normalized provider notification of an ERC-20 transfer
type Event struct {
	ProviderEventID string `json:"providerEventId"`
	Chain           string `json:"chain"`
	TxHash          string `json:"txHash"`
	LogIndex        int    `json:"logIndex"`
	TokenContract   string `json:"tokenContract"`
	ToAddress       string `json:"toAddress"`
	AmountAtomic    string `json:"amountAtomic"`
	BlockNumber     int64  `json:"blockNumber"`
}

// Outcome says what processing an event did
type Outcome string

const (
	// OutcomeCredited means the transfer funded an intent
	OutcomeCredited Outcome = "credited"
	// OutcomeBuffered means no intent was watching the address
	OutcomeBuffered Outcome = "buffered"
	// OutcomeDuplicate means the identical transfer was seen before
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRecorded means the transfer was stored without crediting
	// anything (late funds, zero amount, or a block move)
	OutcomeRecorded Outcome = "recorded"
	// OutcomeQuarantined means the event was malformed and went to the
	// poison table
	OutcomeQuarantined Outcome = "quarantined"
)

// ProcessEvent validates an event and applies it. Malformed events are
// quarantined rather than returned as errors, so the webhook can always ack
// them; only infrastructure failures surface as errors.
func ProcessEvent(d *db.DB, event Event) (Outcome, error) {
	transfer, err := normalize(event)
	if err != nil {
		if qErr := Quarantine(d, event, err.Error()); qErr != nil {
			return OutcomeQuarantined, qErr
		}
		log.WithError(err).WithField("txHash", event.TxHash).
			Warn("Quarantined malformed transfer event")
		return OutcomeQuarantined, nil
	}

	var outcome Outcome
	err = d.WithTransaction(func(tx *sqlx.Tx) error {
		recorded, observation, err := transfers.Record(tx, transfer)
		if err != nil {
			return err
		}

		switch observation {
		case transfers.ObservationDuplicate:
			outcome = OutcomeDuplicate
			return nil
		case transfers.ObservationMoved:
			outcome = OutcomeRecorded
			return handleBlockMove(tx, recorded)
		}

		outcome, err = credit(tx, recorded)
		return err
	})
	if err != nil {
		return outcome, err
	}

	log.WithFields(logrus.Fields{
		"txHash":  event.TxHash,
		"chain":   event.Chain,
		"outcome": outcome,
	}).Debug("Processed transfer event")
	return outcome, nil
}

// normalize checks the event invariants and converts it to a transfer row.
// Addresses are canonicalized to lowercase hex, amounts parsed as
// non-negative integers.
func normalize(event Event) (transfers.Transfer, error) {
	if event.Chain == "" || event.TxHash == "" {
		return transfers.Transfer{}, errors.New("missing chain or tx hash")
	}
	if event.LogIndex < 0 {
		return transfers.Transfer{}, fmt.Errorf("negative log index %d", event.LogIndex)
	}
	if event.BlockNumber <= 0 {
		return transfers.Transfer{}, fmt.Errorf("bad block number %d", event.BlockNumber)
	}

	contract, err := provider.NormalizeAddress(event.TokenContract)
	if err != nil {
		return transfers.Transfer{}, fmt.Errorf("token contract: %w", err)
	}
	to, err := provider.NormalizeAddress(event.ToAddress)
	if err != nil {
		return transfers.Transfer{}, fmt.Errorf("to address: %w", err)
	}

	amount, err := decimal.NewFromString(event.AmountAtomic)
	if err != nil {
		return transfers.Transfer{}, fmt.Errorf("amount %q: %w", event.AmountAtomic, err)
	}
	if amount.IsNegative() || !amount.Equal(amount.Truncate(0)) {
		return transfers.Transfer{}, fmt.Errorf("amount %q is not a non-negative integer", event.AmountAtomic)
	}

	transfer := transfers.Transfer{
		Chain:         event.Chain,
		TxHash:        event.TxHash,
		LogIndex:      event.LogIndex,
		TokenContract: contract,
		ToAddress:     to,
		Amount:        amount,
		BlockNumber:   event.BlockNumber,
	}
	if event.ProviderEventID != "" {
		transfer.ProviderEventID = &event.ProviderEventID
	}
	return transfer, nil
}

// credit matches a transfer to the intent watching its address and applies
// the credit rule
func credit(tx *sqlx.Tx, transfer transfers.Transfer) (Outcome, error) {
	intent, err := invoices.LockIntentByAddress(tx,
		transfer.Chain, transfer.TokenContract, transfer.ToAddress)
	if errors.Is(err, invoices.ErrIntentNotFound) {
		return OutcomeBuffered, transfers.BufferUnmatched(tx, transfer)
	}
	if err != nil {
		return OutcomeRecorded, err
	}

	return creditIntent(tx, intent, transfer)
}

// creditIntent applies one transfer to one locked intent
func creditIntent(tx *sqlx.Tx, intent invoices.PaymentIntent,
	transfer transfers.Transfer) (Outcome, error) {

	invoice, err := invoices.LockForUpdate(tx, intent.InvoiceID)
	if err != nil {
		return OutcomeRecorded, err
	}

	// funds to an address whose intent is no longer live are never
	// credited, only reported
	if intent.Status.Terminal() && !invoice.Status.Terminal() {
		_, err := outbox.Insert(tx, outbox.LateFunds, invoice.ID,
			lateFundsPayload(invoice, intent, transfer))
		return OutcomeRecorded, err
	}

	outcome := invoices.ApplyCredit(invoice.Status, intent.Status,
		intent.TargetAmount, intent.CreditedAmount, transfer.Amount)

	if outcome.Credited {
		if err := transfers.FundIntent(tx, intent.ID, transfer.ID, transfer.Amount); err != nil {
			return OutcomeRecorded, err
		}
		if _, err := invoices.UpdateIntentCredit(tx, intent.ID,
			outcome.CreditedTotal, outcome.IntentStatus); err != nil {
			return OutcomeRecorded, err
		}
		if outcome.InvoiceStatus != invoice.Status {
			if _, err := invoices.UpdateStatus(tx, invoice.ID, outcome.InvoiceStatus); err != nil {
				return OutcomeRecorded, err
			}
		}
	}

	if err := insertEffects(tx, invoice, intent, transfer, outcome); err != nil {
		return OutcomeRecorded, err
	}

	if outcome.Credited {
		return OutcomeCredited, nil
	}
	return OutcomeRecorded, nil
}

func insertEffects(tx *sqlx.Tx, invoice invoices.Invoice, intent invoices.PaymentIntent,
	transfer transfers.Transfer, outcome invoices.CreditOutcome) error {

	for _, effect := range outcome.Effects {
		var err error
		switch effect {
		case invoices.EffectStatusChanged:
			payload := statusPayload(invoice, intent, outcome)
			payload.TxHashes = []string{transfer.TxHash}
			_, err = outbox.Insert(tx, outbox.InvoiceStatusChanged, invoice.ID, payload)

		case invoices.EffectPaidAwaitingConfirmation:
			_, err = outbox.Insert(tx, outbox.PaidAwaitingConfirmation, invoice.ID,
				outbox.ConfirmationPoll{
					InvoiceID: invoice.ID,
					IntentID:  intent.ID,
					Chain:     intent.Chain,
				})

		case invoices.EffectOverpayment:
			payload := statusPayload(invoice, intent, outcome)
			payload.Event = string(outbox.Overpayment)
			payload.SurplusAmountAtomic = outcome.Surplus.String()
			payload.TxHashes = []string{transfer.TxHash}
			_, err = outbox.Insert(tx, outbox.Overpayment, invoice.ID, payload)

		case invoices.EffectLateFunds:
			_, err = outbox.Insert(tx, outbox.LateFunds, invoice.ID,
				lateFundsPayload(invoice, intent, transfer))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func statusPayload(invoice invoices.Invoice, intent invoices.PaymentIntent,
	outcome invoices.CreditOutcome) outbox.CallbackPayload {

	payload := outbox.CallbackPayload{
		InvoiceID:       invoice.ID,
		MerchantOrderID: invoice.MerchantOrderID,
		Status:          string(outcome.InvoiceStatus),
		Token:           intent.Token,
		Chain:           intent.Chain,
		OccurredAt:      time.Now().UTC(),
	}
	switch outcome.InvoiceStatus {
	case invoices.InvoiceUnderpaid:
		payload.PartialAmountAtomic = outcome.CreditedTotal.String()
	case invoices.InvoicePaid:
		payload.PaidAmountAtomic = outcome.CreditedTotal.String()
	}
	return payload
}

func lateFundsPayload(invoice invoices.Invoice, intent invoices.PaymentIntent,
	transfer transfers.Transfer) outbox.CallbackPayload {

	return outbox.CallbackPayload{
		InvoiceID:       invoice.ID,
		MerchantOrderID: invoice.MerchantOrderID,
		Status:          string(invoice.Status),
		Event:           string(outbox.LateFunds),
		Token:           intent.Token,
		Chain:           intent.Chain,
		TxHashes:        []string{transfer.TxHash},
		OccurredAt:      time.Now().UTC(),
	}
}

// handleBlockMove deals with a transfer re-announced at a different block
// number. The stored row already carries the new block; if the funded
// invoice has been confirmed the move is a reorg past our safety margin and
// merchants are told to hold the goods.
func handleBlockMove(tx *sqlx.Tx, transfer transfers.Transfer) error {
	var intent invoices.PaymentIntent
	err := tx.Get(&intent, `SELECT i.* FROM payment_intents i
		JOIN intent_funds f ON f.intent_id = i.id
		WHERE f.transfer_id=$1`, transfer.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// never credited anything, the new block number is all there is
		// to record
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not find funded intent: %w", err)
	}

	invoice, err := invoices.LockForUpdate(tx, intent.InvoiceID)
	if err != nil {
		return err
	}

	// a moved transfer no longer meets the threshold it was counted at.
	// before CONFIRMED the tracker simply counts from the new block and
	// the state machine emits nothing.
	_, effects := invoices.ApplyConfirmation(invoice.Status, false)
	for _, effect := range effects {
		if effect != invoices.EffectChargebackSuspected {
			continue
		}
		_, err = outbox.Insert(tx, outbox.ChargebackSuspected, invoice.ID, outbox.CallbackPayload{
			InvoiceID:       invoice.ID,
			MerchantOrderID: invoice.MerchantOrderID,
			Status:          string(invoice.Status),
			Event:           string(outbox.ChargebackSuspected),
			Token:           intent.Token,
			Chain:           intent.Chain,
			TxHashes:        []string{transfer.TxHash},
			OccurredAt:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReplayUnmatched drains the unmatched buffer for a freshly created intent,
// crediting each buffered transfer in block order as if it had just arrived
func ReplayUnmatched(d *db.DB, intentID uuid.UUID) error {
	return d.WithTransaction(func(tx *sqlx.Tx) error {
		intent, err := invoices.LockIntent(tx, intentID)
		if err != nil {
			return err
		}

		buffered, err := transfers.ClaimUnmatched(tx,
			intent.Chain, intent.TokenContract, intent.DepositAddress)
		if err != nil {
			return err
		}
		sort.Slice(buffered, func(i, j int) bool {
			if buffered[i].BlockNumber != buffered[j].BlockNumber {
				return buffered[i].BlockNumber < buffered[j].BlockNumber
			}
			return buffered[i].LogIndex < buffered[j].LogIndex
		})

		for _, transfer := range buffered {
			// re-read under the lock, earlier iterations change both rows
			current, err := invoices.LockIntent(tx, intent.ID)
			if err != nil {
				return err
			}
			if _, err := creditIntent(tx, current, transfer); err != nil {
				return err
			}
		}

		if len(buffered) > 0 {
			log.WithFields(logrus.Fields{
				"intentId": intent.ID,
				"replayed": len(buffered),
			}).Info("Replayed buffered transfers onto new intent")
		}
		return nil
	})
}

// Quarantine stores a malformed event in the poison table
func Quarantine(d *db.DB, event Event, reason string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not marshal poison event: %w", err)
	}
	if _, err := d.Exec(`INSERT INTO poison_events (payload, reason) VALUES ($1, $2)`,
		payload, reason); err != nil {
		return fmt.Errorf("could not quarantine event: %w", err)
	}
	return nil
}
