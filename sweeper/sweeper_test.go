package sweeper_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/ingress"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/merchants"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
	"github.com/stanislawq/Cryptocurrency-gateway/sweeper"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil/invoicetestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("sweeper")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

// createDueInvoice creates an invoice whose payment window already closed
func createDueInvoice(t *testing.T, merchant merchants.Merchant) invoices.Invoice {
	t.Helper()
	invoice, err := invoices.New(testDB, invoices.NewInvoiceArgs{
		MerchantID:      merchant.ID,
		MerchantOrderID: gofakeit.UUID(),
		FiatAmountCents: 100000,
		Currency:        "USD",
		CallbackURL:     fmt.Sprintf("https://%s/callbacks", gofakeit.DomainName()),
		Options:         invoicetestutil.DefaultOptions,
		ExpiresAt:       time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)
	return invoice
}

// creditIntent pushes a transfer through ingress onto the intent's address
func creditIntent(t *testing.T, intent invoices.PaymentIntent, amount string) {
	t.Helper()
	outcome, err := ingress.ProcessEvent(testDB, ingress.Event{
		ProviderEventID: gofakeit.UUID(),
		Chain:           intent.Chain,
		TxHash:          invoicetestutil.RandomTxHash(),
		LogIndex:        0,
		TokenContract:   intent.TokenContract,
		ToAddress:       intent.DepositAddress,
		AmountAtomic:    amount,
		BlockNumber:     1000000,
	})
	require.NoError(t, err)
	require.Equal(t, ingress.OutcomeCredited, outcome)
}

func expiryRecord(t *testing.T, invoiceID uuid.UUID) outbox.CallbackPayload {
	t.Helper()
	records, err := outbox.GetByInvoice(testDB, invoiceID)
	require.NoError(t, err)
	for _, record := range records {
		if record.Kind != outbox.InvoiceStatusChanged {
			continue
		}
		var payload outbox.CallbackPayload
		require.NoError(t, record.Payload.Unmarshal(&payload))
		if payload.Status == string(invoices.InvoiceExpired) {
			return payload
		}
	}
	t.Fatalf("no expiry record for invoice %s", invoiceID)
	return outbox.CallbackPayload{}
}

func TestSweepOnce(t *testing.T) {
	merchant := invoicetestutil.CreateMerchantOrFail(t, testDB)
	target := decimal.NewFromInt(100000000)
	s := sweeper.New(testDB, sweeper.Config{})

	t.Run("expires a due invoice and its intent", func(t *testing.T) {
		invoice := createDueInvoice(t, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)

		_, err := s.SweepOnce()
		require.NoError(t, err)

		status, err := invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoiceExpired, status)

		found, err := invoices.GetIntent(testDB, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.IntentExpired, found.Status)

		payload := expiryRecord(t, invoice.ID)
		assert.Empty(t, payload.PartialAmountAtomic)
	})

	t.Run("an underpaid invoice reports the partial amount", func(t *testing.T) {
		invoice := createDueInvoice(t, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)
		creditIntent(t, intent, "40000000")

		_, err := s.SweepOnce()
		require.NoError(t, err)

		status, err := invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoiceExpired, status)

		payload := expiryRecord(t, invoice.ID)
		assert.Equal(t, "40000000", payload.PartialAmountAtomic)
		assert.Equal(t, "USDT", payload.Token)
		assert.Equal(t, "arbitrum-one", payload.Chain)
	})

	t.Run("a paid invoice is left alone past its window", func(t *testing.T) {
		invoice := createDueInvoice(t, merchant)
		intent := invoicetestutil.CreateIntentOrFail(t, testDB, invoice, target)
		creditIntent(t, intent, "100000000")

		_, err := s.SweepOnce()
		require.NoError(t, err)

		status, err := invoices.GetStatus(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, invoices.InvoicePaid, status)
	})

	t.Run("sweeping twice does not expire twice", func(t *testing.T) {
		invoice := createDueInvoice(t, merchant)

		_, err := s.SweepOnce()
		require.NoError(t, err)
		_, err = s.SweepOnce()
		require.NoError(t, err)

		records, err := outbox.GetByInvoice(testDB, invoice.ID)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestLease(t *testing.T) {
	t.Parallel()

	t.Run("a live lease excludes other holders", func(t *testing.T) {
		t.Parallel()
		name := "lease-" + gofakeit.UUID()
		first, second := uuid.New(), uuid.New()

		held, err := sweeper.AcquireLease(testDB, name, first, time.Minute)
		require.NoError(t, err)
		assert.True(t, held)

		held, err = sweeper.AcquireLease(testDB, name, second, time.Minute)
		require.NoError(t, err)
		assert.False(t, held)

		// the holder renews freely
		held, err = sweeper.AcquireLease(testDB, name, first, time.Minute)
		require.NoError(t, err)
		assert.True(t, held)
	})

	t.Run("an expired lease can be taken over", func(t *testing.T) {
		t.Parallel()
		name := "lease-" + gofakeit.UUID()
		first, second := uuid.New(), uuid.New()

		held, err := sweeper.AcquireLease(testDB, name, first, 0)
		require.NoError(t, err)
		require.True(t, held)

		time.Sleep(50 * time.Millisecond)
		held, err = sweeper.AcquireLease(testDB, name, second, time.Minute)
		require.NoError(t, err)
		assert.True(t, held)
	})

	t.Run("releasing frees the lease for the next holder", func(t *testing.T) {
		t.Parallel()
		name := "lease-" + gofakeit.UUID()
		first, second := uuid.New(), uuid.New()

		held, err := sweeper.AcquireLease(testDB, name, first, time.Minute)
		require.NoError(t, err)
		require.True(t, held)

		require.NoError(t, sweeper.ReleaseLease(testDB, name, first))

		held, err = sweeper.AcquireLease(testDB, name, second, time.Minute)
		require.NoError(t, err)
		assert.True(t, held)
	})
}
