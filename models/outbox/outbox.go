// Package outbox implements the transactional outbox. Rows are written in
// the same transaction as the state change they describe, then drained by
// dispatcher workers with at-least-once semantics.
package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
)

var log = build.AddSubLogger("OTBX")

// Kind says what side effect a record describes
type Kind string

const (
	InvoiceStatusChanged     Kind = "INVOICE_STATUS_CHANGED"
	PaidAwaitingConfirmation Kind = "PAID_AWAITING_CONFIRMATION"
	Overpayment              Kind = "OVERPAYMENT"
	LateFunds                Kind = "LATE_FUNDS"
	ChargebackSuspected      Kind = "CHARGEBACK_SUSPECTED"
)

// Status is the delivery state of a record
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusDone     Status = "DONE"
	StatusDead     Status = "DEAD"
)

// Record is the DB type for a pending side effect
type Record struct {
	ID        int64     `db:"id"`
	Kind      Kind      `db:"kind"`
	InvoiceID uuid.UUID `db:"invoice_id"`
	// DeliveryID is stable across retries and is sent to merchants as the
	// Idempotency-Key header
	DeliveryID    uuid.UUID      `db:"delivery_id"`
	Payload       types.JSONText `db:"payload"`
	Status        Status         `db:"status"`
	Attempts      int            `db:"attempts"`
	NextAttemptAt time.Time      `db:"next_attempt_at"`
	ClaimToken    *uuid.UUID     `db:"claim_token"`
	ClaimDeadline *time.Time     `db:"claim_deadline"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const recordReturningSql = ` RETURNING id, kind, invoice_id, delivery_id, payload,
	status, attempts, next_attempt_at, claim_token, claim_deadline, created_at, updated_at`

// Insert appends a record. The given queryer should be the transaction the
// corresponding state change happens in, never the bare connection.
func Insert(tx db.Inserter, kind Kind, invoiceID uuid.UUID, payload interface{}) (Record, error) {
	marshalled, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("could not marshal outbox payload: %w", err)
	}

	record := Record{
		Kind:       kind,
		InvoiceID:  invoiceID,
		DeliveryID: uuid.New(),
		Payload:    types.JSONText(marshalled),
		Status:     StatusPending,
	}

	query := `INSERT INTO outbox (kind, invoice_id, delivery_id, payload, status)
		VALUES (:kind, :invoice_id, :delivery_id, :payload, :status)` + recordReturningSql

	rows, err := tx.NamedQuery(query, record)
	if err != nil {
		return Record{}, fmt.Errorf("could not insert outbox record: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()

	if !rows.Next() {
		return Record{}, fmt.Errorf("could not insert outbox record: %w", sql.ErrNoRows)
	}
	var inserted Record
	if err := rows.StructScan(&inserted); err != nil {
		return Record{}, err
	}
	return inserted, nil
}

// Claim atomically moves up to `limit` due records to IN_FLIGHT under a
// fresh claim token. Only the earliest live record per invoice is eligible,
// which both serializes dispatch per invoice and keeps callback order
// ascending in record id. Records whose previous claim deadline has passed
// are reclaimable.
func Claim(d *db.DB, limit int, visibility time.Duration) ([]Record, uuid.UUID, error) {
	token := uuid.New()

	query := `UPDATE outbox
		SET status='IN_FLIGHT', claim_token=$1,
		    claim_deadline=now() + $2 * interval '1 second', updated_at=now()
		WHERE id IN (
			SELECT o.id FROM outbox o
			WHERE (o.status='PENDING' OR (o.status='IN_FLIGHT' AND o.claim_deadline < now()))
			  AND o.next_attempt_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM outbox prior
				WHERE prior.invoice_id = o.invoice_id
				  AND prior.id < o.id
				  AND prior.status IN ('PENDING', 'IN_FLIGHT')
			  )
			ORDER BY o.id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)` + recordReturningSql

	var claimed []Record
	if err := d.Select(&claimed, query, token, visibility.Seconds(), limit); err != nil {
		return nil, uuid.Nil, fmt.Errorf("could not claim outbox records: %w", err)
	}
	return claimed, token, nil
}

// MarkDone finishes a claimed record. A stale claim (expired and re-claimed
// by someone else) is a no-op, which is what makes redelivery at-least-once
// rather than duplicated state.
func MarkDone(d db.Inserter, record Record, token uuid.UUID) error {
	return finish(d, record, token, StatusDone)
}

// MarkDead gives up on a claimed record permanently
func MarkDead(d db.Inserter, record Record, token uuid.UUID) error {
	log.WithField("outboxId", record.ID).WithField("kind", record.Kind).
		Error("Marking outbox record as dead")
	return finish(d, record, token, StatusDead)
}

func finish(d db.Inserter, record Record, token uuid.UUID, status Status) error {
	record.Status = status
	record.ClaimToken = &token
	rows, err := d.NamedQuery(`UPDATE outbox
		SET status=:status, claim_token=NULL, claim_deadline=NULL, updated_at=now()
		WHERE id=:id AND claim_token=:claim_token AND status='IN_FLIGHT'`+recordReturningSql,
		record)
	if err != nil {
		return fmt.Errorf("could not finish outbox record: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		log.WithField("outboxId", record.ID).Debug("Lost claim on outbox record")
	}
	return nil
}

// Reschedule returns a claimed record to PENDING after a failed attempt,
// persisting the attempt count and the backoff delay
func Reschedule(d db.Inserter, record Record, token uuid.UUID, delay time.Duration) error {
	record.ClaimToken = &token
	record.NextAttemptAt = time.Now().UTC().Add(delay)
	rows, err := d.NamedQuery(`UPDATE outbox
		SET status='PENDING', attempts=attempts+1, next_attempt_at=:next_attempt_at,
		    claim_token=NULL, claim_deadline=NULL, updated_at=now()
		WHERE id=:id AND claim_token=:claim_token AND status='IN_FLIGHT'`+recordReturningSql,
		record)
	if err != nil {
		return fmt.Errorf("could not reschedule outbox record: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return nil
}

// Release puts a claimed record back without counting an attempt. Used when
// a dispatcher shuts down mid-claim.
func Release(d db.Inserter, record Record, token uuid.UUID) error {
	record.ClaimToken = &token
	rows, err := d.NamedQuery(`UPDATE outbox
		SET status='PENDING', claim_token=NULL, claim_deadline=NULL, updated_at=now()
		WHERE id=:id AND claim_token=:claim_token AND status='IN_FLIGHT'`+recordReturningSql,
		record)
	if err != nil {
		return fmt.Errorf("could not release outbox record: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return nil
}

// GetByInvoice selects all records for an invoice in insertion order
func GetByInvoice(d *db.DB, invoiceID uuid.UUID) ([]Record, error) {
	query := "SELECT * FROM outbox WHERE invoice_id=$1 ORDER BY id"
	var records []Record
	if err := d.Select(&records, query, invoiceID); err != nil {
		return nil, fmt.Errorf("could not get outbox records: %w", err)
	}
	return records, nil
}
