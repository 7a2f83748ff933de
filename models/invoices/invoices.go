// Package invoices holds the invoice and payment intent models together
// with the state machine that governs them. All status transitions are
// computed by the pure functions in statemachine.go; this file is the DB
// serialization and the transactional operations around them.
package invoices

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
)

var log = build.AddSubLogger("INVC")

var (
	// ErrInvoiceNotFound means no invoice exists with the given id
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrIntentNotFound means no intent exists with the given id
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrDuplicateOrderID means the merchant already has an invoice with
	// this order id
	ErrDuplicateOrderID = errors.New("merchant order id already used")
	// ErrNotCancellable means cancel was attempted on a PAID invoice
	ErrNotCancellable = errors.New("invoice cannot be cancelled in its current state")
	// ErrOptionNotAllowed means the requested (token, chain) is not among
	// the invoice's allowed options
	ErrOptionNotAllowed = errors.New("payment option not allowed for this invoice")
	// ErrInvoiceNotPayable means an intent was requested for an invoice
	// that is expired or in a terminal state
	ErrInvoiceNotPayable = errors.New("invoice is not payable")
)

// uniqueViolation is the Postgres error code for unique constraint breaches
const uniqueViolation = "23505"

// Invoice is the DB type for a commercial obligation priced in fiat
type Invoice struct {
	ID              uuid.UUID     `db:"id"`
	MerchantID      uuid.UUID     `db:"merchant_id"`
	MerchantOrderID string        `db:"merchant_order_id"`
	FiatAmountCents int64         `db:"fiat_amount_cents"`
	Currency        string        `db:"currency"`
	CallbackURL     string        `db:"callback_url"`
	Status          InvoiceStatus `db:"status"`
	ExpiresAt       time.Time     `db:"expires_at"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`

	// Options is the set of allowed (token, chain) pairs, loaded separately
	Options []Option `db:"-"`
}

// Option is an allowed (token, chain) pair on an invoice
type Option struct {
	Token string `db:"token" json:"token"`
	Chain string `db:"chain" json:"chain"`
}

// PaymentIntent is the DB type for a buyer's chosen payment method
type PaymentIntent struct {
	ID             uuid.UUID       `db:"id"`
	InvoiceID      uuid.UUID       `db:"invoice_id"`
	Token          string          `db:"token"`
	Chain          string          `db:"chain"`
	TokenContract  string          `db:"token_contract"`
	DepositAddress string          `db:"deposit_address"`
	TargetAmount   decimal.Decimal `db:"target_amount"`
	CreditedAmount decimal.Decimal `db:"credited_amount"`
	Status         IntentStatus    `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

const invoiceReturningSql = ` RETURNING id, merchant_id, merchant_order_id,
	fiat_amount_cents, currency, callback_url, status, expires_at, created_at, updated_at`

const intentReturningSql = ` RETURNING id, invoice_id, token, chain, token_contract,
	deposit_address, target_amount, credited_amount, status, created_at, updated_at`

// NewInvoiceArgs are the arguments for creating an invoice
type NewInvoiceArgs struct {
	MerchantID      uuid.UUID
	MerchantOrderID string
	FiatAmountCents int64
	Currency        string
	CallbackURL     string
	Options         []Option
	ExpiresAt       time.Time
}

// New creates an invoice together with its allowed payment options in one
// transaction
func New(d *db.DB, args NewInvoiceArgs) (Invoice, error) {
	invoice := Invoice{
		ID:              uuid.New(),
		MerchantID:      args.MerchantID,
		MerchantOrderID: args.MerchantOrderID,
		FiatAmountCents: args.FiatAmountCents,
		Currency:        args.Currency,
		CallbackURL:     args.CallbackURL,
		Status:          InvoicePending,
		ExpiresAt:       args.ExpiresAt.UTC(),
	}

	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		query := `INSERT INTO invoices (id, merchant_id, merchant_order_id,
				fiat_amount_cents, currency, callback_url, status, expires_at)
			VALUES (:id, :merchant_id, :merchant_order_id, :fiat_amount_cents,
				:currency, :callback_url, :status, :expires_at)` + invoiceReturningSql

		rows, err := tx.NamedQuery(query, invoice)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrDuplicateOrderID
			}
			return fmt.Errorf("could not insert invoice: %w", err)
		}
		if !rows.Next() {
			_ = rows.Close()
			return fmt.Errorf("could not insert invoice: %w", sql.ErrNoRows)
		}
		if err := rows.StructScan(&invoice); err != nil {
			_ = rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, option := range args.Options {
			if _, err := tx.Exec(
				`INSERT INTO invoice_options (invoice_id, token, chain) VALUES ($1, $2, $3)`,
				invoice.ID, option.Token, option.Chain); err != nil {
				return fmt.Errorf("could not insert invoice option: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}

	invoice.Options = args.Options
	log.WithFields(logrus.Fields{
		"invoiceId":  invoice.ID,
		"merchantId": invoice.MerchantID,
		"fiatCents":  invoice.FiatAmountCents,
	}).Info("Created invoice")
	return invoice, nil
}

// GetByID selects an invoice and its options
func GetByID(d *db.DB, id uuid.UUID) (Invoice, error) {
	var invoice Invoice
	if err := d.Get(&invoice, "SELECT * FROM invoices WHERE id=$1 LIMIT 1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, fmt.Errorf("could not get invoice: %w", err)
	}

	if err := d.Select(&invoice.Options,
		"SELECT token, chain FROM invoice_options WHERE invoice_id=$1", id); err != nil {
		return Invoice{}, fmt.Errorf("could not get invoice options: %w", err)
	}
	return invoice, nil
}

// GetStatus is the lightweight status poll
func GetStatus(d db.Getter, id uuid.UUID) (InvoiceStatus, error) {
	var status InvoiceStatus
	if err := d.Get(&status, "SELECT status FROM invoices WHERE id=$1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvoiceNotFound
		}
		return "", fmt.Errorf("could not get invoice status: %w", err)
	}
	return status, nil
}

// LockForUpdate selects an invoice under a row lock, serializing all state
// transitions for it
func LockForUpdate(tx *sqlx.Tx, id uuid.UUID) (Invoice, error) {
	var invoice Invoice
	err := tx.Get(&invoice, "SELECT * FROM invoices WHERE id=$1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("could not lock invoice: %w", err)
	}
	return invoice, nil
}

// UpdateStatus persists a new invoice status. Must run inside the
// transaction that also writes the corresponding outbox row.
func UpdateStatus(tx db.Inserter, id uuid.UUID, status InvoiceStatus) (Invoice, error) {
	arg := Invoice{ID: id, Status: status}
	rows, err := tx.NamedQuery(`UPDATE invoices SET status=:status, updated_at=now()
		WHERE id=:id`+invoiceReturningSql, arg)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not update invoice status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Invoice{}, fmt.Errorf("could not update invoice status: %w", sql.ErrNoRows)
	}
	var updated Invoice
	if err := rows.StructScan(&updated); err != nil {
		return Invoice{}, err
	}
	return updated, nil
}

// Cancel transitions a PENDING or UNDERPAID invoice to CANCELLED and writes
// the status-change outbox row in the same transaction. Cancelling an
// already terminal invoice is a no-op; cancelling a PAID invoice is
// rejected.
func Cancel(d *db.DB, id uuid.UUID) (Invoice, error) {
	var cancelled Invoice
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		invoice, err := LockForUpdate(tx, id)
		if err != nil {
			return err
		}

		if invoice.Status.Terminal() {
			cancelled = invoice
			return nil
		}
		if invoice.Status == InvoicePaid {
			return ErrNotCancellable
		}

		cancelled, err = UpdateStatus(tx, id, InvoiceCancelled)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE payment_intents SET status=$1, updated_at=now()
			WHERE invoice_id=$2 AND NOT status IN ('EXPIRED', 'CANCELLED', 'CONFIRMED')`,
			IntentCancelled, id); err != nil {
			return fmt.Errorf("could not cancel intents: %w", err)
		}

		_, err = outbox.Insert(tx, outbox.InvoiceStatusChanged, id, outbox.CallbackPayload{
			InvoiceID:       invoice.ID,
			MerchantOrderID: invoice.MerchantOrderID,
			Status:          string(InvoiceCancelled),
			OccurredAt:      time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		return Invoice{}, err
	}

	log.WithField("invoiceId", id).Info("Cancelled invoice")
	return cancelled, nil
}

// NewIntentArgs are the arguments for creating a payment intent
type NewIntentArgs struct {
	InvoiceID      uuid.UUID
	Token          string
	Chain          string
	TokenContract  string
	DepositAddress string
	TargetAmount   decimal.Decimal
}

// NewIntent creates a payment intent for an invoice. If a non-terminal
// intent for the same (token, chain) already exists it is returned instead,
// so the payment page can safely re-request the deposit address.
func NewIntent(d *db.DB, args NewIntentArgs) (PaymentIntent, error) {
	var intent PaymentIntent
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		invoice, err := LockForUpdate(tx, args.InvoiceID)
		if err != nil {
			return err
		}
		if invoice.Status.Terminal() || invoice.Status == InvoicePaid {
			return ErrInvoiceNotPayable
		}
		if time.Now().UTC().After(invoice.ExpiresAt) {
			return ErrInvoiceNotPayable
		}

		var allowed int
		if err := tx.Get(&allowed,
			`SELECT count(*) FROM invoice_options WHERE invoice_id=$1 AND token=$2 AND chain=$3`,
			args.InvoiceID, args.Token, args.Chain); err != nil {
			return fmt.Errorf("could not check invoice options: %w", err)
		}
		if allowed == 0 {
			return ErrOptionNotAllowed
		}

		err = tx.Get(&intent, `SELECT * FROM payment_intents
			WHERE invoice_id=$1 AND token=$2 AND chain=$3
			  AND NOT status IN ('EXPIRED', 'CANCELLED', 'CONFIRMED')
			LIMIT 1`, args.InvoiceID, args.Token, args.Chain)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("could not check for existing intent: %w", err)
		}

		intent = PaymentIntent{
			ID:             uuid.New(),
			InvoiceID:      args.InvoiceID,
			Token:          args.Token,
			Chain:          args.Chain,
			TokenContract:  args.TokenContract,
			DepositAddress: args.DepositAddress,
			TargetAmount:   args.TargetAmount,
			CreditedAmount: decimal.Zero,
			Status:         IntentAwaitingFunds,
		}
		rows, err := tx.NamedQuery(`INSERT INTO payment_intents (id, invoice_id, token,
				chain, token_contract, deposit_address, target_amount, credited_amount, status)
			VALUES (:id, :invoice_id, :token, :chain, :token_contract, :deposit_address,
				:target_amount, :credited_amount, :status)`+intentReturningSql, intent)
		if err != nil {
			return fmt.Errorf("could not insert payment intent: %w", err)
		}
		defer func() { _ = rows.Close() }()
		if !rows.Next() {
			return fmt.Errorf("could not insert payment intent: %w", sql.ErrNoRows)
		}
		return rows.StructScan(&intent)
	})
	if err != nil {
		return PaymentIntent{}, err
	}

	log.WithFields(logrus.Fields{
		"intentId":  intent.ID,
		"invoiceId": intent.InvoiceID,
		"address":   intent.DepositAddress,
		"target":    intent.TargetAmount,
	}).Info("Created payment intent")
	return intent, nil
}

// GetIntent selects an intent by id
func GetIntent(d db.Getter, id uuid.UUID) (PaymentIntent, error) {
	var intent PaymentIntent
	if err := d.Get(&intent, "SELECT * FROM payment_intents WHERE id=$1 LIMIT 1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentIntent{}, ErrIntentNotFound
		}
		return PaymentIntent{}, fmt.Errorf("could not get intent: %w", err)
	}
	return intent, nil
}

// GetIntentsByInvoice selects all intents for an invoice
func GetIntentsByInvoice(d *db.DB, invoiceID uuid.UUID) ([]PaymentIntent, error) {
	var intents []PaymentIntent
	err := d.Select(&intents,
		"SELECT * FROM payment_intents WHERE invoice_id=$1 ORDER BY created_at", invoiceID)
	if err != nil {
		return nil, fmt.Errorf("could not get intents: %w", err)
	}
	return intents, nil
}

// LockIntentByAddress selects the intent observing a deposit address under
// a row lock. Two intents share an address only if one of them is already
// terminal; the non-terminal one wins, else the most recently created.
func LockIntentByAddress(tx *sqlx.Tx, chain, tokenContract, address string) (PaymentIntent, error) {
	var intent PaymentIntent
	err := tx.Get(&intent, `SELECT * FROM payment_intents
		WHERE chain=$1 AND token_contract=$2 AND deposit_address=$3
		ORDER BY status IN ('EXPIRED', 'CANCELLED', 'CONFIRMED'), created_at DESC
		LIMIT 1
		FOR UPDATE`, chain, tokenContract, address)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentIntent{}, ErrIntentNotFound
	}
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("could not lock intent: %w", err)
	}
	return intent, nil
}

// LockIntent selects an intent by id under a row lock
func LockIntent(tx *sqlx.Tx, id uuid.UUID) (PaymentIntent, error) {
	var intent PaymentIntent
	err := tx.Get(&intent, "SELECT * FROM payment_intents WHERE id=$1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentIntent{}, ErrIntentNotFound
	}
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("could not lock intent: %w", err)
	}
	return intent, nil
}

// UpdateIntentCredit persists the credited sum and status after the credit
// rule has been applied
func UpdateIntentCredit(tx db.Inserter, id uuid.UUID, credited decimal.Decimal,
	status IntentStatus) (PaymentIntent, error) {

	arg := PaymentIntent{ID: id, CreditedAmount: credited, Status: status}
	rows, err := tx.NamedQuery(`UPDATE payment_intents
		SET credited_amount=:credited_amount, status=:status, updated_at=now()
		WHERE id=:id`+intentReturningSql, arg)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("could not update intent credit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return PaymentIntent{}, fmt.Errorf("could not update intent credit: %w", sql.ErrNoRows)
	}
	var updated PaymentIntent
	if err := rows.StructScan(&updated); err != nil {
		return PaymentIntent{}, err
	}
	return updated, nil
}

// UpdateIntentStatus persists a new intent status
func UpdateIntentStatus(tx db.Inserter, id uuid.UUID, status IntentStatus) error {
	arg := PaymentIntent{ID: id, Status: status}
	rows, err := tx.NamedQuery(`UPDATE payment_intents SET status=:status, updated_at=now()
		WHERE id=:id`+intentReturningSql, arg)
	if err != nil {
		return fmt.Errorf("could not update intent status: %w", err)
	}
	return rows.Close()
}
