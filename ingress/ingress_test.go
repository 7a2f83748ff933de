package ingress_test

import (
	"os"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/ingress"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil/invoicetestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("ingress")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

// transferTo builds a valid event paying the given address
func transferTo(address, amount string) ingress.Event {
	return ingress.Event{
		ProviderEventID: gofakeit.UUID(),
		Chain:           "arbitrum-one",
		TxHash:          invoicetestutil.RandomTxHash(),
		LogIndex:        gofakeit.Number(0, 100),
		TokenContract:   invoicetestutil.USDTContract,
		ToAddress:       address,
		AmountAtomic:    amount,
		BlockNumber:     int64(gofakeit.Number(1000000, 2000000)),
	}
}

func kindsOf(records []outbox.Record) []outbox.Kind {
	var kinds []outbox.Kind
	for _, record := range records {
		kinds = append(kinds, record.Kind)
	}
	return kinds
}

func TestProcessEvent(t *testing.T) {
	t.Parallel()
	merchant := invoicetestutil.CreateMerchantOrFail(t, testDB)
	target := decimal.NewFromInt(100000000)

	t.Run("an exact payment pays the invoice", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)

		outcome, err := ingress.ProcessEvent(testDB,
			transferTo(intent.DepositAddress, "100000000"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeCredited, outcome)

		found, err := invoices.GetByID(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoicePaid, found.Status)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.IntentFunded, funded.Status)
		assert.True(t, funded.CreditedAmount.Equal(target))

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []outbox.Kind{
			outbox.InvoiceStatusChanged,
			outbox.PaidAwaitingConfirmation,
		}, kindsOf(records))
	})

	t.Run("a split payment underpays then pays", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)

		outcome, err := ingress.ProcessEvent(testDB,
			transferTo(intent.DepositAddress, "40000000"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeCredited, outcome)

		status, err := invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoiceUnderpaid, status)

		outcome, err = ingress.ProcessEvent(testDB,
			transferTo(intent.DepositAddress, "60000000"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeCredited, outcome)

		status, err = invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoicePaid, status)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.True(t, funded.CreditedAmount.Equal(target))
	})

	t.Run("an overpayment reports the surplus", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)

		outcome, err := ingress.ProcessEvent(testDB,
			transferTo(intent.DepositAddress, "100000007"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeCredited, outcome)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.IntentOverfunded, funded.Status)

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Contains(t, kindsOf(records), outbox.Overpayment)

		for _, record := range records {
			if record.Kind != outbox.Overpayment {
				continue
			}
			var payload outbox.CallbackPayload
			require.NoError(t, record.Payload.Unmarshal(&payload))
			assert.Equal(t, "7", payload.SurplusAmountAtomic)
		}
	})

	t.Run("redelivering an event credits nothing twice", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)
		event := transferTo(intent.DepositAddress, "40000000")

		_, err := ingress.ProcessEvent(testDB, event)
		require.NoError(t, err)

		outcome, err := ingress.ProcessEvent(testDB, event)
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeDuplicate, outcome)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.True(t, funded.CreditedAmount.Equal(decimal.NewFromInt(40000000)))

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("concurrent deliveries of one event credit it once", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)
		event := transferTo(intent.DepositAddress, "100000000")

		const deliveries = 5
		outcomes := make(chan ingress.Outcome, deliveries)
		var wg sync.WaitGroup
		for i := 0; i < deliveries; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome, err := ingress.ProcessEvent(testDB, event)
				assert.NoError(t, err)
				outcomes <- outcome
			}()
		}
		wg.Wait()
		close(outcomes)

		var credited, duplicates int
		for outcome := range outcomes {
			switch outcome {
			case ingress.OutcomeCredited:
				credited++
			case ingress.OutcomeDuplicate:
				duplicates++
			}
		}
		assert.Equal(t, 1, credited)
		assert.Equal(t, deliveries-1, duplicates)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.True(t, funded.CreditedAmount.Equal(target))

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []outbox.Kind{
			outbox.InvoiceStatusChanged,
			outbox.PaidAwaitingConfirmation,
		}, kindsOf(records))
	})

	t.Run("funds on an expired invoice are reported, not credited", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)

		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			if _, err := invoices.UpdateStatus(tx, invoice.ID, invoices.InvoiceExpired); err != nil {
				return err
			}
			return invoices.UpdateIntentStatus(tx, intent.ID, invoices.IntentExpired)
		})
		require.NoError(t, err)

		outcome, err := ingress.ProcessEvent(testDB,
			transferTo(intent.DepositAddress, "100000000"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeRecorded, outcome)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.True(t, funded.CreditedAmount.IsZero())

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, []outbox.Kind{outbox.LateFunds}, kindsOf(records))
	})

	t.Run("a transfer moving blocks after confirmation flags a chargeback", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)
		event := transferTo(intent.DepositAddress, "100000000")

		_, err := ingress.ProcessEvent(testDB, event)
		require.NoError(t, err)

		err = testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := invoices.UpdateStatus(tx, invoice.ID, invoices.InvoiceConfirmed)
			return err
		})
		require.NoError(t, err)

		event.BlockNumber += 5
		outcome, err := ingress.ProcessEvent(testDB, event)
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeRecorded, outcome)

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Contains(t, kindsOf(records), outbox.ChargebackSuspected)
	})

	t.Run("a transfer to an unwatched address is buffered", func(t *testing.T) {
		t.Parallel()
		outcome, err := ingress.ProcessEvent(testDB,
			transferTo(invoicetestutil.RandomAddress(), "100000000"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeBuffered, outcome)
	})

	t.Run("a malformed event is quarantined and acked", func(t *testing.T) {
		t.Parallel()
		event := transferTo("not-an-address", "100000000")

		outcome, err := ingress.ProcessEvent(testDB, event)
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeQuarantined, outcome)

		var count int
		err = testDB.Get(&count,
			`SELECT count(*) FROM poison_events WHERE payload->>'txHash' = $1`, event.TxHash)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("a negative amount is quarantined", func(t *testing.T) {
		t.Parallel()
		outcome, err := ingress.ProcessEvent(testDB,
			transferTo(invoicetestutil.RandomAddress(), "-5"))
		require.NoError(t, err)
		assert.Equal(t, ingress.OutcomeQuarantined, outcome)
	})
}

func TestReplayUnmatched(t *testing.T) {
	t.Parallel()
	merchant := invoicetestutil.CreateMerchantOrFail(t, testDB)
	target := decimal.NewFromInt(100000000)

	t.Run("buffered transfers fund a later intent", func(t *testing.T) {
		t.Parallel()
		address := invoicetestutil.RandomAddress()

		first := transferTo(address, "40000000")
		first.BlockNumber = 1500000
		second := transferTo(address, "60000000")
		second.BlockNumber = 1500010

		// deliver out of order, the replay sorts by block
		for _, event := range []ingress.Event{second, first} {
			outcome, err := ingress.ProcessEvent(testDB, event)
			require.NoError(t, err)
			require.Equal(t, ingress.OutcomeBuffered, outcome)
		}

		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent, err := invoices.NewIntent(testDB, invoices.NewIntentArgs{
			InvoiceID:      invoice.ID,
			Token:          "USDT",
			Chain:          "arbitrum-one",
			TokenContract:  invoicetestutil.USDTContract,
			DepositAddress: address,
			TargetAmount:   target,
		})
		require.NoError(t, err)

		require.NoError(t, ingress.ReplayUnmatched(testDB, intent.ID))

		status, err := invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoicePaid, status)

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.IntentFunded, funded.Status)
		assert.True(t, funded.CreditedAmount.Equal(target))

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []outbox.Kind{
			outbox.InvoiceStatusChanged,
			outbox.InvoiceStatusChanged,
			outbox.PaidAwaitingConfirmation,
		}, kindsOf(records))
	})

	t.Run("replaying with an empty buffer changes nothing", func(t *testing.T) {
		t.Parallel()
		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)

		require.NoError(t, ingress.ReplayUnmatched(testDB, intent.ID))

		status, err := invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoicePending, status)
	})

	t.Run("a buffered transfer is consumed only once", func(t *testing.T) {
		t.Parallel()
		address := invoicetestutil.RandomAddress()

		outcome, err := ingress.ProcessEvent(testDB, transferTo(address, "100000000"))
		require.NoError(t, err)
		require.Equal(t, ingress.OutcomeBuffered, outcome)

		invoice := invoicetestutil.CreateInvoiceOrFail(t, testDB, merchant)
		intent, err := invoices.NewIntent(testDB, invoices.NewIntentArgs{
			InvoiceID:      invoice.ID,
			Token:          "USDT",
			Chain:          "arbitrum-one",
			TokenContract:  invoicetestutil.USDTContract,
			DepositAddress: address,
			TargetAmount:   target,
		})
		require.NoError(t, err)

		require.NoError(t, ingress.ReplayUnmatched(testDB, intent.ID))
		require.NoError(t, ingress.ReplayUnmatched(testDB, intent.ID))

		funded, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.True(t, funded.CreditedAmount.Equal(target))
	})
}
