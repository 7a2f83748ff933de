// Package idempotency stores request fingerprints and their responses so
// retried requests replay the original outcome instead of re-executing.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
)

var log = build.AddSubLogger("IDMP")

// ErrFingerprintMismatch means the key was reused with a different request
// body
var ErrFingerprintMismatch = errors.New("idempotency key reused with a different request")

// ErrRequestInFlight means another request reserved the key and has not
// finished yet
var ErrRequestInFlight = errors.New("a request with this idempotency key is in flight")

// DefaultTTL is how long a record shields its key
const DefaultTTL = 24 * time.Hour

// Scopes separate key namespaces per operation
const (
	ScopeCreateInvoice = "create-invoice"
)

// Record is a stored request outcome
type Record struct {
	Scope          string         `db:"scope"`
	Key            string         `db:"key"`
	Fingerprint    []byte         `db:"fingerprint"`
	ResponseStatus sql.NullInt64  `db:"response_status"`
	ResponseBody   []byte         `db:"response_body"`
	ExpiresAt      time.Time      `db:"expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

// Fingerprint hashes a request body for comparison against stored records
func Fingerprint(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:]
}

// Check looks up a key within a scope. It returns (record, true, nil) when a
// live record with a matching fingerprint exists, (zero, false, nil) when the
// key is unused or expired, and ErrFingerprintMismatch when the key was used
// with a different body.
func Check(d db.Getter, scope, key string, fingerprint []byte) (Record, bool, error) {
	var record Record
	err := d.Get(&record, `SELECT * FROM idempotency_records
		WHERE scope=$1 AND key=$2 AND expires_at > now()`, scope, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("could not look up idempotency record: %w", err)
	}

	if !bytes.Equal(record.Fingerprint, fingerprint) {
		return Record{}, false, ErrFingerprintMismatch
	}
	return record, true, nil
}

// Reserve claims a key before the operation runs, so two concurrent
// requests on the same key cannot both execute. It returns (zero, true,
// nil) when the caller now owns the key, and (record, false, nil) when a
// finished record exists to replay. A key reserved by a request that has
// not finished yet yields ErrRequestInFlight, a live key with another body
// ErrFingerprintMismatch.
func Reserve(d *db.DB, scope, key string, fingerprint []byte) (Record, bool, error) {
	result, err := d.Exec(`INSERT INTO idempotency_records
			(scope, key, fingerprint, expires_at)
		VALUES ($1, $2, $3, now() + $4 * interval '1 second')
		ON CONFLICT (scope, key) DO UPDATE
		SET fingerprint=EXCLUDED.fingerprint, response_status=NULL,
		    response_body=NULL, expires_at=EXCLUDED.expires_at, created_at=now()
		WHERE idempotency_records.expires_at <= now()`,
		scope, key, fingerprint, DefaultTTL.Seconds())
	if err != nil {
		return Record{}, false, fmt.Errorf("could not reserve idempotency key: %w", err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return Record{}, false, err
	}
	if claimed == 1 {
		return Record{}, true, nil
	}

	record, found, err := Check(d, scope, key, fingerprint)
	if err != nil {
		return Record{}, false, err
	}
	if !found || !record.ResponseStatus.Valid {
		return Record{}, false, ErrRequestInFlight
	}
	return record, false, nil
}

// Release frees a reserved key after the operation failed, letting the
// client retry. Completed records are left alone.
func Release(d *db.DB, scope, key string) error {
	_, err := d.Exec(`DELETE FROM idempotency_records
		WHERE scope=$1 AND key=$2 AND response_status IS NULL`, scope, key)
	if err != nil {
		return fmt.Errorf("could not release idempotency key: %w", err)
	}
	return nil
}

// Save stores the response for a key, completing the caller's reservation.
// Expired rows on the same key are overwritten.
func Save(d *db.DB, scope, key string, fingerprint []byte,
	responseStatus int, responseBody []byte) error {

	_, err := d.Exec(`INSERT INTO idempotency_records
			(scope, key, fingerprint, response_status, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6 * interval '1 second')
		ON CONFLICT (scope, key) DO UPDATE
		SET fingerprint=EXCLUDED.fingerprint, response_status=EXCLUDED.response_status,
		    response_body=EXCLUDED.response_body, expires_at=EXCLUDED.expires_at,
		    created_at=now()
		WHERE idempotency_records.expires_at <= now()
		   OR idempotency_records.response_status IS NULL`,
		scope, key, fingerprint, responseStatus, responseBody, DefaultTTL.Seconds())
	if err != nil {
		return fmt.Errorf("could not save idempotency record: %w", err)
	}
	return nil
}

// Evict deletes expired records and returns how many were removed
func Evict(d *db.DB) (int64, error) {
	result, err := d.Exec("DELETE FROM idempotency_records WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("could not evict idempotency records: %w", err)
	}
	evicted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		log.WithField("evicted", evicted).Debug("Evicted expired idempotency records")
	}
	return evicted, nil
}
