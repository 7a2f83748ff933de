// Package dispatcher drains the outbox: merchant callbacks are signed and
// POSTed with retries, confirmation polls re-read the chain head. Several
// dispatchers can run against the same DB; the claim protocol keeps them
// from stepping on each other.
package dispatcher

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
	"github.com/stanislawq/Cryptocurrency-gateway/provider"
)

var log = build.AddSubLogger("DISP")

// HttpPoster can execute an HTTP request. http.Client implements this; tests
// substitute a mock.
type HttpPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the dispatcher
type Config struct {
	// Workers is how many records are handled concurrently
	Workers int
	// BatchSize is how many records one claim fetches
	BatchSize int
	// PollInterval is how long to sleep when the outbox is empty
	PollInterval time.Duration
	// Visibility is how long a claim lasts before another dispatcher may
	// steal the record
	Visibility time.Duration
	// CallbackTimeout bounds one callback POST
	CallbackTimeout time.Duration
	// BackoffBase, BackoffCap and MaxAttempts define the callback retry
	// policy
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	// ConfirmationPollInterval is how often a pending confirmation re-reads
	// the chain head
	ConfirmationPollInterval time.Duration
	// Confirmations is the per-chain confirmation threshold
	Confirmations map[string]int64
}

// Defaults for config values left zero
const (
	DefaultWorkers                  = 4
	DefaultBatchSize                = 32
	DefaultPollInterval             = time.Second
	DefaultVisibility               = 2 * time.Minute
	DefaultCallbackTimeout          = 10 * time.Second
	DefaultConfirmationPollInterval = 15 * time.Second
	DefaultConfirmations            = 12
)

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Visibility == 0 {
		c.Visibility = DefaultVisibility
	}
	if c.CallbackTimeout == 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = outbox.DefaultBackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = outbox.DefaultBackoffCap
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = outbox.DefaultMaxAttempts
	}
	if c.ConfirmationPollInterval == 0 {
		c.ConfirmationPollInterval = DefaultConfirmationPollInterval
	}
	return c
}

// Dispatcher owns the outbox drain loop
type Dispatcher struct {
	db     *db.DB
	chain  provider.Client
	poster HttpPoster
	conf   Config

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher. Passing nil for poster uses a plain http.Client
// with the configured callback timeout.
func New(d *db.DB, chain provider.Client, poster HttpPoster, conf Config) *Dispatcher {
	conf = conf.withDefaults()
	if poster == nil {
		poster = &http.Client{Timeout: conf.CallbackTimeout}
	}
	return &Dispatcher{
		db:     d,
		chain:  chain,
		poster: poster,
		conf:   conf,
		quit:   make(chan struct{}),
	}
}

// Start launches the drain loop in the background
func (disp *Dispatcher) Start() {
	disp.wg.Add(1)
	go func() {
		defer disp.wg.Done()
		log.WithField("workers", disp.conf.Workers).Info("Dispatcher started")
		for {
			handled, err := disp.DispatchOnce()
			if err != nil {
				log.WithError(err).Error("Dispatch round failed")
			}

			if handled > 0 {
				continue
			}
			select {
			case <-disp.quit:
				return
			case <-time.After(disp.conf.PollInterval):
			}
		}
	}()
}

// Stop shuts the drain loop down and waits for in-flight records
func (disp *Dispatcher) Stop() {
	close(disp.quit)
	disp.wg.Wait()
	log.Info("Dispatcher stopped")
}

// DispatchOnce claims one batch and handles it, returning how many records
// were claimed. Exported so tests and the sweep command can drain the
// outbox without the background loop.
func (disp *Dispatcher) DispatchOnce() (int, error) {
	claimed, token, err := outbox.Claim(disp.db, disp.conf.BatchSize, disp.conf.Visibility)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, disp.conf.Workers)
	var wg sync.WaitGroup
	for _, record := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(record outbox.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			disp.handle(record, token)
		}(record)
	}
	wg.Wait()
	return len(claimed), nil
}

// handle routes one claimed record to its handler and settles the claim
func (disp *Dispatcher) handle(record outbox.Record, token uuid.UUID) {
	logger := log.WithFields(logrus.Fields{
		"outboxId":  record.ID,
		"kind":      record.Kind,
		"invoiceId": record.InvoiceID,
		"attempt":   record.Attempts,
	})

	var res result
	switch record.Kind {
	case outbox.PaidAwaitingConfirmation:
		res = disp.handleConfirmationPoll(record)
	default:
		res = disp.handleCallback(record)
	}

	var err error
	switch res.disposition {
	case dispositionDone:
		err = outbox.MarkDone(disp.db, record, token)
	case dispositionDead:
		logger.WithError(res.err).Error("Giving up on outbox record")
		err = outbox.MarkDead(disp.db, record, token)
	case dispositionRetry:
		delay := res.delay
		if delay == 0 {
			if record.Attempts+1 >= disp.conf.MaxAttempts {
				logger.WithError(res.err).Error("Outbox record exhausted its attempts")
				err = outbox.MarkDead(disp.db, record, token)
				break
			}
			delay = outbox.NextDelay(record.Attempts, disp.conf.BackoffBase, disp.conf.BackoffCap)
		}
		logger.WithError(res.err).WithField("delay", delay).Info("Rescheduling outbox record")
		err = outbox.Reschedule(disp.db, record, token, delay)
	}
	if err != nil {
		logger.WithError(err).Error("Could not settle outbox claim")
	}
}

type disposition int

const (
	dispositionDone disposition = iota
	dispositionRetry
	dispositionDead
)

// result is what a handler decided about a record. A retry with zero delay
// uses the exponential backoff policy and counts toward MaxAttempts; a
// retry with an explicit delay repolls forever.
type result struct {
	disposition disposition
	delay       time.Duration
	err         error
}
