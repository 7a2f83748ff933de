package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanislawq/Cryptocurrency-gateway/api"
	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/models/merchants"
	"github.com/stanislawq/Cryptocurrency-gateway/provider"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil"
	"github.com/stanislawq/Cryptocurrency-gateway/testutil/invoicetestutil"
)

const webhookSecret = "whsec_test"

var (
	databaseConfig = testutil.GetDatabaseConfig("api")
	testDB         *db.DB
	app            api.RestServer
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	gin.SetMode(gin.TestMode)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	var err error
	app, err = api.NewApp(testDB, provider.GetMockClient(), &api.MockAllocator{},
		api.StablecoinPricer{}, api.Config{
			LogLevel:      logrus.ErrorLevel,
			WebhookSecret: webhookSecret,
		})
	if err != nil {
		logrus.WithError(err).Fatal("Could not create app")
	}

	result := m.Run()

	os.Exit(result)
}

// createMerchant returns a merchant together with the raw API key the routes
// authenticate with
func createMerchant(t *testing.T) (merchants.Merchant, string) {
	t.Helper()
	apiKey := gofakeit.UUID()
	merchant, err := merchants.New(testDB, gofakeit.Company(), apiKey,
		gofakeit.Password(true, true, true, false, false, 32))
	require.NoError(t, err)
	return merchant, apiKey
}

type request struct {
	method  string
	path    string
	body    interface{}
	headers map[string]string
}

func perform(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq := httptest.NewRequest(req.method, req.path, body)
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httpReq)
	return w
}

func authHeaders(apiKey string, extra map[string]string) map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	for key, value := range extra {
		headers[key] = value
	}
	return headers
}

func invoiceBody(orderID string) map[string]interface{} {
	return map[string]interface{}{
		"merchantOrderId": orderID,
		"fiatAmountCents": 10000,
		"callbackUrl":     "https://merchant.example.com/callbacks",
		"options": []map[string]string{
			{"token": "USDT", "chain": "arbitrum-one"},
		},
	}
}

// createInvoice posts an invoice and returns the decoded response
func createInvoice(t *testing.T, apiKey string) map[string]interface{} {
	t.Helper()
	w := perform(t, request{
		method:  http.MethodPost,
		path:    "/api/invoices",
		body:    invoiceBody(gofakeit.UUID()),
		headers: authHeaders(apiKey, map[string]string{"Idempotency-Key": gofakeit.UUID()}),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHealth(t *testing.T) {
	t.Parallel()

	w := perform(t, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Contains(t, response, "databaseMigrationStatus")
	assert.Contains(t, response, "chainHeads")
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("requests without a token are rejected", func(t *testing.T) {
		t.Parallel()
		w := perform(t, request{method: http.MethodGet, path: "/api/invoices/" + gofakeit.UUID()})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("an unknown key is rejected", func(t *testing.T) {
		t.Parallel()
		w := perform(t, request{
			method:  http.MethodGet,
			path:    "/api/invoices/" + gofakeit.UUID(),
			headers: authHeaders(gofakeit.UUID(), nil),
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("a valid key reaches the route", func(t *testing.T) {
		t.Parallel()
		_, apiKey := createMerchant(t)
		w := perform(t, request{
			method:  http.MethodGet,
			path:    "/api/invoices/" + gofakeit.UUID(),
			headers: authHeaders(apiKey, nil),
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()
	_, apiKey := createMerchant(t)

	t.Run("creates a pending invoice", func(t *testing.T) {
		t.Parallel()
		response := createInvoice(t, apiKey)
		assert.Equal(t, "PENDING", response["status"])
		assert.NotEmpty(t, response["invoiceId"])
		assert.NotEmpty(t, response["expiresAt"])
	})

	t.Run("requires an idempotency key", func(t *testing.T) {
		t.Parallel()
		w := perform(t, request{
			method:  http.MethodPost,
			path:    "/api/invoices",
			body:    invoiceBody(gofakeit.UUID()),
			headers: authHeaders(apiKey, nil),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("replaying a key returns the stored response", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		body := invoiceBody(gofakeit.UUID())
		headers := authHeaders(apiKey, map[string]string{"Idempotency-Key": key})

		first := perform(t, request{
			method: http.MethodPost, path: "/api/invoices", body: body, headers: headers})
		require.Equal(t, http.StatusCreated, first.Code)

		second := perform(t, request{
			method: http.MethodPost, path: "/api/invoices", body: body, headers: headers})
		assert.Equal(t, http.StatusCreated, second.Code)
		assert.JSONEq(t, first.Body.String(), second.Body.String())
	})

	t.Run("reusing a key with a different body conflicts", func(t *testing.T) {
		t.Parallel()
		key := gofakeit.UUID()
		headers := authHeaders(apiKey, map[string]string{"Idempotency-Key": key})

		first := perform(t, request{
			method: http.MethodPost, path: "/api/invoices",
			body: invoiceBody(gofakeit.UUID()), headers: headers})
		require.Equal(t, http.StatusCreated, first.Code)

		second := perform(t, request{
			method: http.MethodPost, path: "/api/invoices",
			body: invoiceBody(gofakeit.UUID()), headers: headers})
		assert.Equal(t, http.StatusConflict, second.Code)
	})

	t.Run("a reused order id conflicts", func(t *testing.T) {
		t.Parallel()
		orderID := gofakeit.UUID()

		first := perform(t, request{
			method: http.MethodPost, path: "/api/invoices", body: invoiceBody(orderID),
			headers: authHeaders(apiKey, map[string]string{"Idempotency-Key": gofakeit.UUID()})})
		require.Equal(t, http.StatusCreated, first.Code)

		second := perform(t, request{
			method: http.MethodPost, path: "/api/invoices", body: invoiceBody(orderID),
			headers: authHeaders(apiKey, map[string]string{"Idempotency-Key": gofakeit.UUID()})})
		assert.Equal(t, http.StatusConflict, second.Code)
	})

	t.Run("an unsupported option is rejected", func(t *testing.T) {
		t.Parallel()
		body := invoiceBody(gofakeit.UUID())
		body["options"] = []map[string]string{{"token": "DOGE", "chain": "arbitrum-one"}}

		w := perform(t, request{
			method: http.MethodPost, path: "/api/invoices", body: body,
			headers: authHeaders(apiKey, map[string]string{"Idempotency-Key": gofakeit.UUID()})})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("a missing callback URL fails validation", func(t *testing.T) {
		t.Parallel()
		body := invoiceBody(gofakeit.UUID())
		delete(body, "callbackUrl")

		w := perform(t, request{
			method: http.MethodPost, path: "/api/invoices", body: body,
			headers: authHeaders(apiKey, map[string]string{"Idempotency-Key": gofakeit.UUID()})})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetInvoice(t *testing.T) {
	t.Parallel()
	_, apiKey := createMerchant(t)

	t.Run("returns the invoice with its intents", func(t *testing.T) {
		t.Parallel()
		created := createInvoice(t, apiKey)
		id := created["invoiceId"].(string)

		w := perform(t, request{
			method: http.MethodPost, path: "/api/invoices/" + id + "/intents",
			body:    map[string]string{"token": "USDT", "chain": "arbitrum-one"},
			headers: authHeaders(apiKey, nil)})
		require.Equal(t, http.StatusCreated, w.Code)

		w = perform(t, request{
			method: http.MethodGet, path: "/api/invoices/" + id,
			headers: authHeaders(apiKey, nil)})
		require.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, id, response["invoiceId"])
		require.Len(t, response["intents"], 1)
	})

	t.Run("another merchant's invoice reads as not found", func(t *testing.T) {
		t.Parallel()
		created := createInvoice(t, apiKey)
		_, otherKey := createMerchant(t)

		w := perform(t, request{
			method: http.MethodGet, path: "/api/invoices/" + created["invoiceId"].(string),
			headers: authHeaders(otherKey, nil)})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("a malformed id reads as not found", func(t *testing.T) {
		t.Parallel()
		w := perform(t, request{
			method: http.MethodGet, path: "/api/invoices/not-a-uuid",
			headers: authHeaders(apiKey, nil)})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPaymentFlow(t *testing.T) {
	t.Parallel()
	_, apiKey := createMerchant(t)

	created := createInvoice(t, apiKey)
	id := created["invoiceId"].(string)

	// choosing USDT prices the 10000 cent invoice at 100 USDT in atomic units
	w := perform(t, request{
		method: http.MethodPost, path: "/api/invoices/" + id + "/intents",
		body:    map[string]string{"token": "USDT", "chain": "arbitrum-one"},
		headers: authHeaders(apiKey, nil)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var intent map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intent))
	assert.Equal(t, "100000000", intent["atomicAmount"])
	address := intent["depositAddress"].(string)
	require.NotEmpty(t, address)

	event := map[string]interface{}{
		"providerEventId": gofakeit.UUID(),
		"chain":           "arbitrum-one",
		"txHash":          invoicetestutil.RandomTxHash(),
		"logIndex":        0,
		"tokenContract":   invoicetestutil.USDTContract,
		"toAddress":       address,
		"amountAtomic":    "100000000",
		"blockNumber":     1000000,
	}

	t.Run("the webhook rejects a bad secret", func(t *testing.T) {
		w := perform(t, request{
			method: http.MethodPost, path: "/webhooks/provider",
			body:    map[string]interface{}{"events": []interface{}{event}},
			headers: map[string]string{api.HeaderWebhookSecret: "wrong"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("a credited event pays the invoice", func(t *testing.T) {
		w := perform(t, request{
			method: http.MethodPost, path: "/webhooks/provider",
			body:    map[string]interface{}{"events": []interface{}{event}},
			headers: map[string]string{api.HeaderWebhookSecret: webhookSecret}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.EqualValues(t, 1, response["credited"])

		w = perform(t, request{
			method: http.MethodGet, path: "/api/invoices/" + id + "/status",
			headers: authHeaders(apiKey, nil)})
		require.Equal(t, http.StatusOK, w.Code)

		var status map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, "PAID", status["status"])
	})

	t.Run("a paid invoice cannot be cancelled", func(t *testing.T) {
		w := perform(t, request{
			method: http.MethodPost, path: "/api/invoices/" + id + "/cancel",
			headers: authHeaders(apiKey, nil)})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestCancelInvoice(t *testing.T) {
	t.Parallel()
	_, apiKey := createMerchant(t)

	created := createInvoice(t, apiKey)
	id := created["invoiceId"].(string)

	w := perform(t, request{
		method: http.MethodPost, path: "/api/invoices/" + id + "/cancel",
		headers: authHeaders(apiKey, nil)})
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "CANCELLED", response["status"])

	// a cancelled invoice takes no new intents
	w = perform(t, request{
		method: http.MethodPost, path: "/api/invoices/" + id + "/intents",
		body:    map[string]string{"token": "USDT", "chain": "arbitrum-one"},
		headers: authHeaders(apiKey, nil)})
	assert.Equal(t, http.StatusConflict, w.Code)
}
