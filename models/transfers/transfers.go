// Package transfers stores observed on-chain token transfers, the funds
// ledger linking them to payment intents, and the buffer of transfers that
// arrived before any intent was watching their address.
package transfers

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
)

var log = build.AddSubLogger("TRNS")

// ErrTransferNotFound means no transfer exists with the given id
var ErrTransferNotFound = errors.New("transfer not found")

// Transfer is the DB type for an observed ERC-20 transfer event. A transfer
// is identified by (chain, tx_hash, log_index); provider event ids are kept
// only for tracing.
type Transfer struct {
	ID              uuid.UUID       `db:"id"`
	Chain           string          `db:"chain"`
	TxHash          string          `db:"tx_hash"`
	LogIndex        int             `db:"log_index"`
	TokenContract   string          `db:"token_contract"`
	ToAddress       string          `db:"to_address"`
	Amount          decimal.Decimal `db:"amount"`
	BlockNumber     int64           `db:"block_number"`
	ProviderEventID *string         `db:"provider_event_id"`
	FirstSeenAt     time.Time       `db:"first_seen_at"`
	LastSeenAt      time.Time       `db:"last_seen_at"`
}

// Fund is one credited transfer of an intent, joined with the transfer
// columns the confirmation tracker needs
type Fund struct {
	IntentID       uuid.UUID       `db:"intent_id"`
	TransferID     uuid.UUID       `db:"transfer_id"`
	CreditedAmount decimal.Decimal `db:"credited_amount"`
	TxHash         string          `db:"tx_hash"`
	BlockNumber    int64           `db:"block_number"`
	Chain          string          `db:"chain"`
}

// Observation classifies what recording a transfer found
type Observation int

const (
	// ObservationNew means the transfer was seen for the first time
	ObservationNew Observation = iota
	// ObservationDuplicate means an identical transfer was already stored
	ObservationDuplicate
	// ObservationMoved means the transfer was stored before but at a
	// different block number, the footprint of a chain reorg
	ObservationMoved
)

const transferReturningSql = ` RETURNING id, chain, tx_hash, log_index, token_contract,
	to_address, amount, block_number, provider_event_id, first_seen_at, last_seen_at`

const transferForUpdateSql = `SELECT * FROM transfers
	WHERE chain=$1 AND tx_hash=$2 AND log_index=$3 FOR UPDATE`

// Record upserts a transfer keyed on (chain, tx_hash, log_index) and
// reports whether it was new, a duplicate, or moved to another block. Runs
// inside the caller's transaction so the observation and its consequences
// commit together.
func Record(tx *sqlx.Tx, transfer Transfer) (Transfer, Observation, error) {
	var existing Transfer
	err := tx.Get(&existing, transferForUpdateSql,
		transfer.Chain, transfer.TxHash, transfer.LogIndex)

	if errors.Is(err, sql.ErrNoRows) {
		inserted, raced, err := insert(tx, transfer)
		if err != nil {
			return Transfer{}, ObservationNew, err
		}
		if !raced {
			return inserted, ObservationNew, nil
		}
		// a concurrent delivery inserted the row first. the insert waited
		// for that transaction to commit, so the row is visible and
		// lockable by now.
		err = tx.Get(&existing, transferForUpdateSql,
			transfer.Chain, transfer.TxHash, transfer.LogIndex)
		if err != nil {
			return Transfer{}, ObservationDuplicate, fmt.Errorf("could not look up transfer: %w", err)
		}
	} else if err != nil {
		return Transfer{}, ObservationDuplicate, fmt.Errorf("could not look up transfer: %w", err)
	}

	observation := ObservationDuplicate
	if existing.BlockNumber != transfer.BlockNumber {
		observation = ObservationMoved
		log.WithField("txHash", transfer.TxHash).
			WithField("oldBlock", existing.BlockNumber).
			WithField("newBlock", transfer.BlockNumber).
			Warn("Transfer moved to a different block")
	}

	rows, err := tx.Queryx(`UPDATE transfers
		SET block_number=$1, last_seen_at=now() WHERE id=$2`+transferReturningSql,
		transfer.BlockNumber, existing.ID)
	if err != nil {
		return Transfer{}, observation, fmt.Errorf("could not update transfer: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return Transfer{}, observation, fmt.Errorf("could not update transfer: %w", sql.ErrNoRows)
	}
	var updated Transfer
	if err := rows.StructScan(&updated); err != nil {
		return Transfer{}, observation, err
	}
	return updated, observation, nil
}

// insert stores a new transfer row. The second return value is true when a
// concurrent transaction committed the same (chain, tx_hash, log_index)
// first; ON CONFLICT DO NOTHING keeps that from aborting the caller's
// transaction, so the duplicate can still be acked.
func insert(tx *sqlx.Tx, transfer Transfer) (Transfer, bool, error) {
	transfer.ID = uuid.New()
	rows, err := tx.NamedQuery(`INSERT INTO transfers (id, chain, tx_hash, log_index,
			token_contract, to_address, amount, block_number, provider_event_id)
		VALUES (:id, :chain, :tx_hash, :log_index, :token_contract, :to_address,
			:amount, :block_number, :provider_event_id)
		ON CONFLICT (chain, tx_hash, log_index) DO NOTHING`+transferReturningSql, transfer)
	if err != nil {
		return Transfer{}, false, fmt.Errorf("could not insert transfer: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return Transfer{}, true, nil
	}
	var inserted Transfer
	if err := rows.StructScan(&inserted); err != nil {
		return Transfer{}, false, err
	}
	return inserted, false, nil
}

// FundIntent links a transfer to the intent it was credited to. The unique
// constraint on transfer_id guarantees a transfer funds at most one intent.
func FundIntent(tx *sqlx.Tx, intentID, transferID uuid.UUID, credited decimal.Decimal) error {
	_, err := tx.Exec(`INSERT INTO intent_funds (intent_id, transfer_id, credited_amount)
		VALUES ($1, $2, $3)`, intentID, transferID, credited)
	if err != nil {
		return fmt.Errorf("could not record intent fund: %w", err)
	}
	return nil
}

// GetFunds selects the credited transfers of an intent with their tx hashes
// and block numbers
func GetFunds(d *db.DB, intentID uuid.UUID) ([]Fund, error) {
	var funds []Fund
	err := d.Select(&funds, `SELECT f.intent_id, f.transfer_id, f.credited_amount,
			t.tx_hash, t.block_number, t.chain
		FROM intent_funds f JOIN transfers t ON t.id = f.transfer_id
		WHERE f.intent_id=$1 ORDER BY f.created_at`, intentID)
	if err != nil {
		return nil, fmt.Errorf("could not get intent funds: %w", err)
	}
	return funds, nil
}

// BufferUnmatched stores a transfer that no live intent was watching, so a
// later intent on the same address can pick it up
func BufferUnmatched(tx *sqlx.Tx, transfer Transfer) error {
	_, err := tx.Exec(`INSERT INTO unmatched_transfers (transfer_id, chain, token_contract, to_address)
		VALUES ($1, $2, $3, $4) ON CONFLICT (transfer_id) DO NOTHING`,
		transfer.ID, transfer.Chain, transfer.TokenContract, transfer.ToAddress)
	if err != nil {
		return fmt.Errorf("could not buffer unmatched transfer: %w", err)
	}
	return nil
}

// ClaimUnmatched removes and returns all buffered transfers for an address.
// Called when a new intent starts watching the address; the caller replays
// the returned transfers in block order.
func ClaimUnmatched(tx *sqlx.Tx, chain, tokenContract, address string) ([]Transfer, error) {
	var claimed []Transfer
	err := tx.Select(&claimed, `DELETE FROM unmatched_transfers u USING transfers t
		WHERE t.id = u.transfer_id
		  AND u.chain=$1 AND u.token_contract=$2 AND u.to_address=$3
		RETURNING t.id, t.chain, t.tx_hash, t.log_index, t.token_contract,
			t.to_address, t.amount, t.block_number, t.provider_event_id,
			t.first_seen_at, t.last_seen_at`, chain, tokenContract, address)
	if err != nil {
		return nil, fmt.Errorf("could not claim unmatched transfers: %w", err)
	}
	return claimed, nil
}

// GetByID selects a transfer by id
func GetByID(d db.Getter, id uuid.UUID) (Transfer, error) {
	var transfer Transfer
	if err := d.Get(&transfer, "SELECT * FROM transfers WHERE id=$1 LIMIT 1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, fmt.Errorf("could not get transfer: %w", err)
	}
	return transfer, nil
}

// Confirmations counts how many blocks deep a transfer is: a transfer in
// the current head block has exactly one confirmation
func Confirmations(currentBlock, blockNumber int64) int64 {
	confs := currentBlock - blockNumber + 1
	if confs < 0 {
		return 0
	}
	return confs
}
