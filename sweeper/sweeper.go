// Package sweeper expires invoices whose payment window has closed. One
// replica sweeps at a time, elected through a DB lease, so an invoice is
// never expired twice even with several gateways running.
package sweeper

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
)

var log = build.AddSubLogger("SWPR")

// Config tunes the sweeper
type Config struct {
	// Interval is how often due invoices are looked for
	Interval time.Duration
	// BatchSize bounds one sweep round
	BatchSize int
	// LeaseTTL is how long the lease lasts between renewals. It must
	// comfortably exceed one sweep round.
	LeaseTTL time.Duration
}

// Defaults for config values left zero
const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 100
	DefaultLeaseTTL  = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	return c
}

// Sweeper owns the expiry loop
type Sweeper struct {
	db     *db.DB
	conf   Config
	holder uuid.UUID

	quit chan struct{}
	done chan struct{}
}

// New creates a sweeper with a fresh holder identity
func New(d *db.DB, conf Config) *Sweeper {
	return &Sweeper{
		db:     d,
		conf:   conf.withDefaults(),
		holder: uuid.New(),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop in the background
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		log.WithField("holder", s.holder).Info("Sweeper started")
		for {
			held, err := AcquireLease(s.db, LeaseName, s.holder, s.conf.LeaseTTL)
			if err != nil {
				log.WithError(err).Error("Could not acquire sweeper lease")
			} else if held {
				if _, err := s.SweepOnce(); err != nil {
					log.WithError(err).Error("Sweep round failed")
				}
			}

			select {
			case <-s.quit:
				return
			case <-time.After(s.conf.Interval):
			}
		}
	}()
}

// Stop shuts the loop down and releases the lease
func (s *Sweeper) Stop() {
	close(s.quit)
	<-s.done
	if err := ReleaseLease(s.db, LeaseName, s.holder); err != nil {
		log.WithError(err).Error("Could not release sweeper lease")
	}
	log.Info("Sweeper stopped")
}

// SweepOnce expires one batch of due invoices and returns how many were
// expired. Each invoice is handled in its own transaction, so one bad row
// does not hold up the batch.
func (s *Sweeper) SweepOnce() (int, error) {
	var due []uuid.UUID
	err := s.db.Select(&due, `SELECT id FROM invoices
		WHERE expires_at <= now() AND status IN ('PENDING', 'UNDERPAID')
		ORDER BY expires_at LIMIT $1`, s.conf.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range due {
		if err := s.expire(id); err != nil {
			log.WithError(err).WithField("invoiceId", id).Error("Could not expire invoice")
			continue
		}
		expired++
	}
	if expired > 0 {
		log.WithField("expired", expired).Info("Expired invoices")
	}
	return expired, nil
}

// expire moves one invoice to EXPIRED together with its live intents and
// the status callback. Racing transitions are handled by re-reading the
// status under the row lock: an invoice paid between the scan and the lock
// is left alone.
func (s *Sweeper) expire(id uuid.UUID) error {
	return s.db.WithTransaction(func(tx *sqlx.Tx) error {
		invoice, err := invoices.LockForUpdate(tx, id)
		if err != nil {
			return err
		}

		newStatus, changed := invoices.ApplyExpiry(invoice.Status)
		if !changed {
			return nil
		}

		if _, err := invoices.UpdateStatus(tx, id, newStatus); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE payment_intents SET status=$1, updated_at=now()
			WHERE invoice_id=$2 AND NOT status IN ('EXPIRED', 'CANCELLED', 'CONFIRMED')`,
			invoices.IntentExpired, id); err != nil {
			return err
		}

		payload := outbox.CallbackPayload{
			InvoiceID:       invoice.ID,
			MerchantOrderID: invoice.MerchantOrderID,
			Status:          string(newStatus),
			OccurredAt:      time.Now().UTC(),
		}

		// a partially funded invoice reports what did arrive, so the
		// merchant can refund it
		var partial struct {
			Credited decimal.Decimal `db:"credited"`
			Token    *string         `db:"token"`
			Chain    *string         `db:"chain"`
		}
		err = tx.Get(&partial, `SELECT coalesce(sum(credited_amount), 0) AS credited,
				max(token) AS token, max(chain) AS chain
			FROM payment_intents WHERE invoice_id=$1 AND credited_amount > 0`, id)
		if err != nil {
			return err
		}
		if partial.Credited.IsPositive() {
			payload.PartialAmountAtomic = partial.Credited.String()
			if partial.Token != nil {
				payload.Token = *partial.Token
			}
			if partial.Chain != nil {
				payload.Chain = *partial.Chain
			}
		}

		_, err = outbox.Insert(tx, outbox.InvoiceStatusChanged, id, payload)
		if err == nil {
			log.WithFields(logrus.Fields{
				"invoiceId": id,
				"partial":   payload.PartialAmountAtomic,
			}).Debug("Expired invoice")
		}
		return err
	})
}
