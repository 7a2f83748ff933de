package sweeper

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stanislawq/Cryptocurrency-gateway/db"
)

// LeaseName is the lock row all sweeper replicas compete for
const LeaseName = "invoice-expiry-sweeper"

// AcquireLease takes or renews the named lease for holder. It returns false
// when another live holder has it. Re-acquiring an expired lease is how a
// replacement sweeper takes over after a crash.
func AcquireLease(d *db.DB, name string, holder uuid.UUID, ttl time.Duration) (bool, error) {
	var got uuid.UUID
	err := d.Get(&got, `INSERT INTO locks (name, holder, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (name) DO UPDATE
		SET holder=EXCLUDED.holder, expires_at=EXCLUDED.expires_at
		WHERE locks.expires_at <= now() OR locks.holder = EXCLUDED.holder
		RETURNING holder`, name, holder, ttl.Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not acquire lease: %w", err)
	}
	return got == holder, nil
}

// ReleaseLease drops the lease if holder still has it
func ReleaseLease(d *db.DB, name string, holder uuid.UUID) error {
	if _, err := d.Exec(`DELETE FROM locks WHERE name=$1 AND holder=$2`,
		name, holder); err != nil {
		return fmt.Errorf("could not release lease: %w", err)
	}
	return nil
}
