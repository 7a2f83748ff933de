package db

import (
	"github.com/jmoiron/sqlx"
)

// WithTransaction runs fn inside a transaction, committing if fn returns
// nil and rolling back otherwise. A rollback failure doesn't mask the
// original error.
func (d *DB) WithTransaction(fn func(tx *sqlx.Tx) error) error {
	tx, err := d.Beginx()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("Could not roll back transaction")
		}
		return err
	}

	return tx.Commit()
}
