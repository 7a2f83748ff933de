package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stanislawq/Cryptocurrency-gateway/api/apierr"
	"github.com/stanislawq/Cryptocurrency-gateway/ingress"
	"github.com/stanislawq/Cryptocurrency-gateway/models/idempotency"
	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
)

// defaultExpirySeconds is the payment window when neither the request nor
// the config sets one
const defaultExpirySeconds = 3600

type createInvoiceRequest struct {
	MerchantOrderID string            `json:"merchantOrderId" binding:"required,max=255"`
	FiatAmountCents int64             `json:"fiatAmountCents" binding:"required,gt=0"`
	Currency        string            `json:"currency"`
	CallbackURL     string            `json:"callbackUrl" binding:"required,url"`
	ExpirySeconds   int64             `json:"expirySeconds" binding:"omitempty,gt=0"`
	Options         []invoices.Option `json:"options" binding:"required"`
}

type createIntentRequest struct {
	Token string `json:"token" binding:"required"`
	Chain string `json:"chain" binding:"required"`
}

type invoiceResponse struct {
	InvoiceID       uuid.UUID         `json:"invoiceId"`
	MerchantOrderID string            `json:"merchantOrderId"`
	FiatAmountCents int64             `json:"fiatAmountCents"`
	Currency        string            `json:"currency"`
	CallbackURL     string            `json:"callbackUrl"`
	Status          string            `json:"status"`
	Options         []invoices.Option `json:"options"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	CreatedAt       time.Time         `json:"createdAt"`
	PayURL          string            `json:"payUrl,omitempty"`
	Intents         []intentResponse  `json:"intents,omitempty"`
}

type intentResponse struct {
	IntentID       uuid.UUID `json:"intentId"`
	InvoiceID      uuid.UUID `json:"invoiceId"`
	Token          string    `json:"token"`
	Chain          string    `json:"chain"`
	TokenContract  string    `json:"tokenContract"`
	DepositAddress string    `json:"depositAddress"`
	AtomicAmount   string    `json:"atomicAmount"`
	CreditedAtomic string    `json:"creditedAmountAtomic"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (r *RestServer) toInvoiceResponse(invoice invoices.Invoice) invoiceResponse {
	response := invoiceResponse{
		InvoiceID:       invoice.ID,
		MerchantOrderID: invoice.MerchantOrderID,
		FiatAmountCents: invoice.FiatAmountCents,
		Currency:        invoice.Currency,
		CallbackURL:     invoice.CallbackURL,
		Status:          string(invoice.Status),
		Options:         invoice.Options,
		ExpiresAt:       invoice.ExpiresAt,
		CreatedAt:       invoice.CreatedAt,
	}
	if base := r.conf.PayBaseURL; base != "" {
		response.PayURL = strings.TrimSuffix(base, "/") + "/" + invoice.ID.String()
	}
	return response
}

// toIntentResponse carries the invoice expiry so buyers know how long the
// deposit address is good for
func toIntentResponse(intent invoices.PaymentIntent, expiresAt time.Time) intentResponse {
	return intentResponse{
		IntentID:       intent.ID,
		InvoiceID:      intent.InvoiceID,
		Token:          intent.Token,
		Chain:          intent.Chain,
		TokenContract:  intent.TokenContract,
		DepositAddress: intent.DepositAddress,
		AtomicAmount:   intent.TargetAmount.String(),
		CreditedAtomic: intent.CreditedAmount.String(),
		Status:         string(intent.Status),
		ExpiresAt:      expiresAt,
	}
}

// createInvoice is idempotent on the Idempotency-Key header: replays of the
// same key and body return the stored response, a reused key with a
// different body conflicts
func (r *RestServer) createInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchant := getMerchant(c)

		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrMissingIdempotencyKey)
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		c.Request.Body = ioutil.NopCloser(bytes.NewReader(body))

		// keys are per merchant, two merchants can use the same key. the
		// key is reserved before the invoice is created, so a concurrent
		// retry cannot execute alongside us.
		scopedKey := merchant.ID.String() + ":" + key
		fingerprint := idempotency.Fingerprint(body)
		stored, owned, err := idempotency.Reserve(r.db,
			idempotency.ScopeCreateInvoice, scopedKey, fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrFingerprintMismatch):
			apierr.Public(c, http.StatusConflict, apierr.ErrIdempotencyKeyReused)
			return
		case errors.Is(err, idempotency.ErrRequestInFlight):
			apierr.Public(c, http.StatusConflict, apierr.ErrRequestInFlight)
			return
		case err != nil:
			_ = c.Error(err)
			return
		}
		if !owned {
			c.Data(int(stored.ResponseStatus.Int64), "application/json", stored.ResponseBody)
			return
		}

		// failed requests free the key so the client can retry it
		release := func() {
			if err := idempotency.Release(r.db,
				idempotency.ScopeCreateInvoice, scopedKey); err != nil {
				log.WithError(err).Error("Could not release idempotency key")
			}
		}

		var request createInvoiceRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			release()
			_ = c.AbortWithError(http.StatusBadRequest, err).SetType(gin.ErrorTypeBind)
			return
		}
		if request.Currency == "" {
			request.Currency = "USD"
		}
		for _, option := range request.Options {
			if _, ok := r.registry.Lookup(option.Token, option.Chain); !ok {
				release()
				apierr.Public(c, http.StatusBadRequest, apierr.ErrUnknownToken)
				return
			}
		}

		expiry := request.ExpirySeconds
		if expiry == 0 {
			expiry = r.conf.DefaultExpirySeconds
		}
		if expiry == 0 {
			expiry = defaultExpirySeconds
		}

		invoice, err := invoices.New(r.db, invoices.NewInvoiceArgs{
			MerchantID:      merchant.ID,
			MerchantOrderID: request.MerchantOrderID,
			FiatAmountCents: request.FiatAmountCents,
			Currency:        request.Currency,
			CallbackURL:     request.CallbackURL,
			Options:         request.Options,
			ExpiresAt:       time.Now().UTC().Add(time.Duration(expiry) * time.Second),
		})
		if errors.Is(err, invoices.ErrDuplicateOrderID) {
			release()
			apierr.Public(c, http.StatusConflict, apierr.ErrDuplicateOrderID)
			return
		}
		if err != nil {
			release()
			_ = c.Error(err)
			return
		}

		response := r.toInvoiceResponse(invoice)
		encoded, err := json.Marshal(response)
		if err != nil {
			release()
			_ = c.Error(err)
			return
		}
		if err := idempotency.Save(r.db, idempotency.ScopeCreateInvoice, scopedKey,
			fingerprint, http.StatusCreated, encoded); err != nil {
			// the invoice exists, a retry of this key will 409 on the order
			// id instead of duplicating it
			log.WithError(err).Error("Could not save idempotency record")
			release()
		}
		c.Data(http.StatusCreated, "application/json", encoded)
	}
}

// getOwnedInvoice loads the invoice in the :id param if it belongs to the
// authenticated merchant. Foreign invoices read as not found.
func (r *RestServer) getOwnedInvoice(c *gin.Context) (invoices.Invoice, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apierr.Public(c, http.StatusNotFound, apierr.ErrInvoiceNotFound)
		return invoices.Invoice{}, false
	}

	invoice, err := invoices.GetByID(r.db, id)
	if errors.Is(err, invoices.ErrInvoiceNotFound) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrInvoiceNotFound)
		return invoices.Invoice{}, false
	}
	if err != nil {
		_ = c.Error(err)
		return invoices.Invoice{}, false
	}
	if invoice.MerchantID != getMerchant(c).ID {
		apierr.Public(c, http.StatusNotFound, apierr.ErrInvoiceNotFound)
		return invoices.Invoice{}, false
	}
	return invoice, true
}

func (r *RestServer) getInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		invoice, ok := r.getOwnedInvoice(c)
		if !ok {
			return
		}

		intents, err := invoices.GetIntentsByInvoice(r.db, invoice.ID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		response := r.toInvoiceResponse(invoice)
		for _, intent := range intents {
			response.Intents = append(response.Intents, toIntentResponse(intent, invoice.ExpiresAt))
		}
		c.JSON(http.StatusOK, response)
	}
}

func (r *RestServer) getInvoiceStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		invoice, ok := r.getOwnedInvoice(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"invoiceId": invoice.ID,
			"status":    invoice.Status,
		})
	}
}

// createIntent picks a payment option: it prices the invoice in the chosen
// token, allocates a deposit address and starts watching it. Transfers that
// arrived on the address before the intent existed are replayed onto it.
func (r *RestServer) createIntent() gin.HandlerFunc {
	return func(c *gin.Context) {
		invoice, ok := r.getOwnedInvoice(c)
		if !ok {
			return
		}

		var request createIntentRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			_ = c.AbortWithError(http.StatusBadRequest, err).SetType(gin.ErrorTypeBind)
			return
		}

		info, ok := r.registry.Lookup(request.Token, request.Chain)
		if !ok {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrUnknownToken)
			return
		}
		target, err := r.pricer.TargetAmount(invoice.FiatAmountCents, invoice.Currency, info)
		if err != nil {
			_ = c.Error(err)
			return
		}
		address, err := r.allocator.Allocate(c.Request.Context(), info.Chain)
		if err != nil {
			_ = c.Error(err)
			return
		}

		intent, err := invoices.NewIntent(r.db, invoices.NewIntentArgs{
			InvoiceID:      invoice.ID,
			Token:          info.Token,
			Chain:          info.Chain,
			TokenContract:  info.Contract,
			DepositAddress: address,
			TargetAmount:   target,
		})
		switch {
		case errors.Is(err, invoices.ErrInvoiceNotPayable):
			apierr.Public(c, http.StatusConflict, apierr.ErrInvoiceNotPayable)
			return
		case errors.Is(err, invoices.ErrOptionNotAllowed):
			apierr.Public(c, http.StatusBadRequest, apierr.ErrOptionNotAllowed)
			return
		case err != nil:
			_ = c.Error(err)
			return
		}

		if err := ingress.ReplayUnmatched(r.db, intent.ID); err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, toIntentResponse(intent, invoice.ExpiresAt))
	}
}

func (r *RestServer) cancelInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		invoice, ok := r.getOwnedInvoice(c)
		if !ok {
			return
		}

		cancelled, err := invoices.Cancel(r.db, invoice.ID)
		if errors.Is(err, invoices.ErrNotCancellable) {
			apierr.Public(c, http.StatusConflict, apierr.ErrInvoiceNotCancellable)
			return
		}
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, r.toInvoiceResponse(cancelled))
	}
}
