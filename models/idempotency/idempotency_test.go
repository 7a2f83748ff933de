package idempotency_test

import (
	"net/http"
	"os"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/idempotency"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("idempotency")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

func TestCheck(t *testing.T) {
	t.Parallel()

	t.Run("an unused key is free", func(t *testing.T) {
		t.Parallel()
		_, found, err := idempotency.Check(testDB, idempotency.ScopeCreateInvoice,
			gofakeit.UUID(), idempotency.Fingerprint([]byte("{}")))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("a saved response is replayed", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		body := []byte(`{"merchantOrderId":"order-17"}`)
		response := []byte(`{"id":"some-invoice"}`)
		fingerprint := idempotency.Fingerprint(body)

		require.NoError(t, idempotency.Save(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint, http.StatusCreated, response))

		record, found, err := idempotency.Check(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(http.StatusCreated), record.ResponseStatus.Int64)
		assert.Equal(t, response, record.ResponseBody)
	})

	t.Run("reusing a key with a different body is rejected", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		fingerprint := idempotency.Fingerprint([]byte(`{"amount":100}`))

		require.NoError(t, idempotency.Save(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint, http.StatusCreated, []byte(`{}`)))

		_, _, err := idempotency.Check(testDB, idempotency.ScopeCreateInvoice,
			key, idempotency.Fingerprint([]byte(`{"amount":200}`)))
		assert.ErrorIs(t, err, idempotency.ErrFingerprintMismatch)
	})

	t.Run("scopes keep their keys apart", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		fingerprint := idempotency.Fingerprint([]byte(`{}`))

		require.NoError(t, idempotency.Save(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint, http.StatusCreated, []byte(`{}`)))

		_, found, err := idempotency.Check(testDB, "other-scope", key, fingerprint)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestReserve(t *testing.T) {
	t.Parallel()

	t.Run("a free key is claimed", func(t *testing.T) {
		t.Parallel()
		_, owned, err := idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			gofakeit.UUID(), idempotency.Fingerprint([]byte(`{}`)))
		require.NoError(t, err)
		assert.True(t, owned)
	})

	t.Run("a reserved key is reported in flight", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		fingerprint := idempotency.Fingerprint([]byte(`{"amount":100}`))

		_, owned, err := idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		require.True(t, owned)

		_, owned, err = idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		assert.ErrorIs(t, err, idempotency.ErrRequestInFlight)
		assert.False(t, owned)
	})

	t.Run("a completed key replays the stored response", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		body := []byte(`{"merchantOrderId":"order-3"}`)
		response := []byte(`{"invoiceId":"some-invoice"}`)
		fingerprint := idempotency.Fingerprint(body)

		_, owned, err := idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		require.True(t, owned)

		require.NoError(t, idempotency.Save(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint, http.StatusCreated, response))

		record, owned, err := idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		assert.False(t, owned)
		assert.Equal(t, int64(http.StatusCreated), record.ResponseStatus.Int64)
		assert.Equal(t, response, record.ResponseBody)
	})

	t.Run("a reserved key with another body is rejected", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()

		_, owned, err := idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, idempotency.Fingerprint([]byte(`{"amount":100}`)))
		require.NoError(t, err)
		require.True(t, owned)

		_, _, err = idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, idempotency.Fingerprint([]byte(`{"amount":200}`)))
		assert.ErrorIs(t, err, idempotency.ErrFingerprintMismatch)
	})

	t.Run("a released key can be reserved again", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		fingerprint := idempotency.Fingerprint([]byte(`{}`))

		_, owned, err := idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		require.True(t, owned)

		require.NoError(t, idempotency.Release(testDB,
			idempotency.ScopeCreateInvoice, key))

		_, owned, err = idempotency.Reserve(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		assert.True(t, owned)
	})

	t.Run("releasing a completed key keeps the record", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		fingerprint := idempotency.Fingerprint([]byte(`{}`))

		require.NoError(t, idempotency.Save(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint, http.StatusCreated, []byte(`{}`)))
		require.NoError(t, idempotency.Release(testDB,
			idempotency.ScopeCreateInvoice, key))

		_, found, err := idempotency.Check(testDB, idempotency.ScopeCreateInvoice,
			key, fingerprint)
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestEvict(t *testing.T) {
	key := gofakeit.UUID()
	fingerprint := idempotency.Fingerprint([]byte(`{}`))

	_, err := testDB.Exec(`INSERT INTO idempotency_records
			(scope, key, fingerprint, response_status, response_body, expires_at)
		VALUES ($1, $2, $3, 201, '{}', now() - interval '1 hour')`,
		idempotency.ScopeCreateInvoice, key, fingerprint)
	require.NoError(t, err)

	// an expired record no longer shields the key
	_, found, err := idempotency.Check(testDB, idempotency.ScopeCreateInvoice, key, fingerprint)
	require.NoError(t, err)
	assert.False(t, found)

	evicted, err := idempotency.Evict(testDB)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, evicted, int64(1))

	var count int
	require.NoError(t, testDB.Get(&count,
		`SELECT count(*) FROM idempotency_records WHERE key=$1`, key))
	assert.Zero(t, count)
}
