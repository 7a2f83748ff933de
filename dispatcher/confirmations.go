package dispatcher

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stanislawq/Cryptocurrency-gateway/asyncutil"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
	"github.com/stanislawq/Cryptocurrency-gateway/models/transfers"
)

const (
	headReadTimeout  = 5 * time.Second
	headReadAttempts = 3
)

// handleConfirmationPoll checks whether every funding transfer of a PAID
// invoice has reached the chain's confirmation threshold. When it has, the
// invoice and intent move to CONFIRMED and the status callback is enqueued
// in the same transaction; until then the poll reschedules itself. Polls
// never go dead, a chain RPC outage only delays confirmation.
func (disp *Dispatcher) handleConfirmationPoll(record outbox.Record) result {
	var poll outbox.ConfirmationPoll
	if err := record.Payload.Unmarshal(&poll); err != nil {
		return result{disposition: dispositionDead, err: err}
	}
	repoll := result{disposition: dispositionRetry, delay: disp.conf.ConfirmationPollInterval}

	funds, err := transfers.GetFunds(disp.db, poll.IntentID)
	if err != nil {
		return result{disposition: dispositionRetry, err: err}
	}
	if len(funds) == 0 {
		// nothing funds the intent, so there is nothing to confirm
		return result{disposition: dispositionDone}
	}

	var head int64
	err = asyncutil.RetryWithContext(context.Background(), headReadAttempts, headReadTimeout,
		func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, headReadTimeout)
			defer cancel()
			var err error
			head, err = disp.chain.BlockNumber(ctx, poll.Chain)
			return err
		})
	if err != nil {
		repoll.err = err
		return repoll
	}

	threshold := disp.threshold(poll.Chain)
	for _, fund := range funds {
		if transfers.Confirmations(head, fund.BlockNumber) < threshold {
			return repoll
		}
	}

	if err := disp.confirm(poll, funds); err != nil {
		return result{disposition: dispositionRetry, err: err}
	}
	return result{disposition: dispositionDone}
}

func (disp *Dispatcher) threshold(chain string) int64 {
	if t, ok := disp.conf.Confirmations[chain]; ok {
		return t
	}
	return DefaultConfirmations
}

// confirm moves the invoice and intent to CONFIRMED and enqueues the status
// callback atomically. A no-op when the invoice already left PAID.
func (disp *Dispatcher) confirm(poll outbox.ConfirmationPoll, funds []transfers.Fund) error {
	return disp.db.WithTransaction(func(tx *sqlx.Tx) error {
		invoice, err := invoices.LockForUpdate(tx, poll.InvoiceID)
		if err != nil {
			return err
		}

		newStatus, effects := invoices.ApplyConfirmation(invoice.Status, true)
		if newStatus == invoice.Status {
			return nil
		}

		if _, err := invoices.UpdateStatus(tx, invoice.ID, newStatus); err != nil {
			return err
		}
		intent, err := invoices.LockIntent(tx, poll.IntentID)
		if err != nil {
			return err
		}
		if !intent.Status.Terminal() {
			if err := invoices.UpdateIntentStatus(tx, intent.ID, invoices.IntentConfirmed); err != nil {
				return err
			}
		}

		for _, effect := range effects {
			if effect != invoices.EffectStatusChanged {
				continue
			}
			txHashes := make([]string, len(funds))
			for i, fund := range funds {
				txHashes[i] = fund.TxHash
			}
			payload := outbox.CallbackPayload{
				InvoiceID:        invoice.ID,
				MerchantOrderID:  invoice.MerchantOrderID,
				Status:           string(newStatus),
				PaidAmountAtomic: intent.CreditedAmount.String(),
				Token:            intent.Token,
				Chain:            intent.Chain,
				TxHashes:         txHashes,
				OccurredAt:       time.Now().UTC(),
			}
			if _, err := outbox.Insert(tx, outbox.InvoiceStatusChanged, invoice.ID, payload); err != nil {
				return err
			}
		}

		log.WithField("invoiceId", invoice.ID).Info("Confirmed invoice")
		return nil
	})
}
