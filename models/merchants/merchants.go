// Package merchants holds the tenant model. Merchants are created
// administratively, invoices always belong to exactly one merchant, and
// the callback signing secret lives here.
package merchants

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
)

var log = build.AddSubLogger("MRCH")

// ErrMerchantNotFound means no merchant exists with the given id
var ErrMerchantNotFound = errors.New("merchant not found")

// Merchant is the DB type for a tenant that issues invoices. Secrets are
// immutable, rotation happens by replacing the merchant row.
type Merchant struct {
	ID         uuid.UUID `db:"id"`
	Name       string    `db:"name"`
	ApiKeyHash []byte    `db:"api_key_hash"`
	// CallbackSecret is the HMAC key used to sign callbacks sent to this
	// merchant
	CallbackSecret string `db:"callback_secret"`
	// SuppressInformational disables OVERPAYMENT, LATE_FUNDS and
	// CHARGEBACK_SUSPECTED callbacks for this merchant
	SuppressInformational bool      `db:"suppress_informational"`
	Active                bool      `db:"active"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

const merchantReturningSql = ` RETURNING id, name, api_key_hash, callback_secret,
	suppress_informational, active, created_at, updated_at`

// New creates a merchant with the given name, API key and callback signing
// secret. Only a hash of the API key is stored.
func New(d db.Inserter, name, apiKey, callbackSecret string) (Merchant, error) {
	hash := sha256.Sum256([]byte(apiKey))
	merchant := Merchant{
		ID:             uuid.New(),
		Name:           name,
		ApiKeyHash:     hash[:],
		CallbackSecret: callbackSecret,
		Active:         true,
	}

	query := `INSERT INTO merchants (id, name, api_key_hash, callback_secret, suppress_informational, active)
		VALUES (:id, :name, :api_key_hash, :callback_secret, :suppress_informational, :active)` +
		merchantReturningSql

	rows, err := d.NamedQuery(query, merchant)
	if err != nil {
		return Merchant{}, fmt.Errorf("could not insert merchant: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()

	var inserted Merchant
	if !rows.Next() {
		return Merchant{}, fmt.Errorf("could not insert merchant: %w", sql.ErrNoRows)
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Merchant{}, err
	}

	log.WithField("merchantId", inserted.ID).Info("Created merchant")
	return inserted, nil
}

// GetByID selects the merchant with the given id
func GetByID(d db.Getter, id uuid.UUID) (Merchant, error) {
	query := "SELECT * FROM merchants WHERE id=$1 LIMIT 1"

	var merchant Merchant
	if err := d.Get(&merchant, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Merchant{}, ErrMerchantNotFound
		}
		return Merchant{}, fmt.Errorf("could not get merchant: %w", err)
	}

	return merchant, nil
}

// GetByApiKey selects the active merchant whose hashed API key matches the
// given key
func GetByApiKey(d db.Getter, apiKey string) (Merchant, error) {
	hash := sha256.Sum256([]byte(apiKey))

	query := "SELECT * FROM merchants WHERE api_key_hash=$1 AND active LIMIT 1"

	var merchant Merchant
	if err := d.Get(&merchant, query, hash[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Merchant{}, ErrMerchantNotFound
		}
		return Merchant{}, fmt.Errorf("could not get merchant by API key: %w", err)
	}

	return merchant, nil
}

// SetSuppressInformational flips suppression of informational callbacks
func SetSuppressInformational(d *db.DB, id uuid.UUID, suppress bool) error {
	result, err := d.Exec(
		"UPDATE merchants SET suppress_informational=$1, updated_at=now() WHERE id=$2",
		suppress, id)
	if err != nil {
		return fmt.Errorf("could not update merchant: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrMerchantNotFound
	}
	return nil
}
