// Package invoicetestutil creates merchants, invoices and intents for
// tests that need them to exist without caring about the details
package invoicetestutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/shopspring/decimal"

	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/merchants"
)

// DefaultOptions is the payment option set test invoices allow
var DefaultOptions = []invoices.Option{
	{Token: "USDT", Chain: "arbitrum-one"},
	{Token: "USDC", Chain: "arbitrum-one"},
}

// USDTContract is the canonical USDT deployment used in tests
const USDTContract = "0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9"

// CreateMerchantOrFail creates a merchant with a random name and API key
func CreateMerchantOrFail(t *testing.T, d *db.DB) merchants.Merchant {
	t.Helper()
	merchant, err := merchants.New(d, gofakeit.Company(),
		gofakeit.UUID(), gofakeit.Password(true, true, true, false, false, 32))
	if err != nil {
		t.Fatalf("could not create merchant: %v", err)
	}
	return merchant
}

// CreateInvoiceOrFail creates a PENDING invoice for the merchant with a one
// hour payment window
func CreateInvoiceOrFail(t *testing.T, d *db.DB, merchant merchants.Merchant) invoices.Invoice {
	t.Helper()
	invoice, err := invoices.New(d, invoices.NewInvoiceArgs{
		MerchantID:      merchant.ID,
		MerchantOrderID: gofakeit.UUID(),
		FiatAmountCents: int64(gofakeit.Number(100, 1000000)),
		Currency:        "USD",
		CallbackURL:     fmt.Sprintf("https://%s/callbacks", gofakeit.DomainName()),
		Options:         DefaultOptions,
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("could not create invoice: %v", err)
	}
	return invoice
}

// CreateIntentOrFail creates a USDT intent on the invoice with the given
// atomic target amount
func CreateIntentOrFail(t *testing.T, d *db.DB, invoice invoices.Invoice,
	target decimal.Decimal) invoices.PaymentIntent {
	t.Helper()
	intent, err := invoices.NewIntent(d, invoices.NewIntentArgs{
		InvoiceID:      invoice.ID,
		Token:          "USDT",
		Chain:          "arbitrum-one",
		TokenContract:  USDTContract,
		DepositAddress: RandomAddress(),
		TargetAmount:   target,
	})
	if err != nil {
		t.Fatalf("could not create intent: %v", err)
	}
	return intent
}

// RandomAddress returns a random lowercase EVM address
func RandomAddress() string {
	return fmt.Sprintf("0x%040x", gofakeit.Uint64())
}

// RandomTxHash returns a random transaction hash
func RandomTxHash() string {
	return fmt.Sprintf("0x%032x%032x", gofakeit.Uint64(), gofakeit.Uint64())
}
