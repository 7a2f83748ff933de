package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/stanislawq/Cryptocurrency-gateway/models/invoices"
	"github.com/stanislawq/Cryptocurrency-gateway/models/merchants"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
)

// deliveredStatuses are the invoice statuses merchants get a callback for.
// PAID and UNDERPAID are bookkeeping states; merchants act on confirmation,
// expiry and cancellation.
var deliveredStatuses = map[string]bool{
	string(invoices.InvoiceConfirmed): true,
	string(invoices.InvoiceExpired):   true,
	string(invoices.InvoiceCancelled): true,
}

// informationalKinds are advisory callbacks a merchant can opt out of
var informationalKinds = map[outbox.Kind]bool{
	outbox.Overpayment:         true,
	outbox.LateFunds:           true,
	outbox.ChargebackSuspected: true,
}

// handleCallback delivers one callback record to the merchant. The secret
// and URL are resolved at delivery time so rotating either applies to
// queued records too.
func (disp *Dispatcher) handleCallback(record outbox.Record) result {
	invoice, err := invoices.GetByID(disp.db, record.InvoiceID)
	if err != nil {
		return result{disposition: dispositionRetry, err: err}
	}

	if record.Kind == outbox.InvoiceStatusChanged {
		var payload outbox.CallbackPayload
		if err := record.Payload.Unmarshal(&payload); err != nil {
			return result{disposition: dispositionDead, err: err}
		}
		if !deliveredStatuses[payload.Status] {
			return result{disposition: dispositionDone}
		}
	}

	merchant, err := merchants.GetByID(disp.db, invoice.MerchantID)
	if err != nil {
		return result{disposition: dispositionRetry, err: err}
	}
	if informationalKinds[record.Kind] && merchant.SuppressInformational {
		return result{disposition: dispositionDone}
	}

	return disp.post(invoice.CallbackURL, merchant.CallbackSecret, record)
}

// post signs and sends the record payload, classifying the response. The
// delivery id rides in the body as well as the header, so merchants that
// don't read headers can still deduplicate.
func (disp *Dispatcher) post(url, secret string, record outbox.Record) result {
	var doc map[string]interface{}
	if err := json.Unmarshal(record.Payload, &doc); err != nil {
		return result{disposition: dispositionDead, err: err}
	}
	doc["deliveryId"] = record.DeliveryID.String()
	body, err := json.Marshal(doc)
	if err != nil {
		return result{disposition: dispositionDead, err: err}
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return result{disposition: dispositionDead, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, timestamp, body))
	req.Header.Set(HeaderSignatureTimestamp, timestamp)
	req.Header.Set(HeaderIdempotencyKey, record.DeliveryID.String())

	response, err := disp.poster.Do(req)
	if err != nil {
		return result{disposition: dispositionRetry, err: err}
	}
	defer func() {
		_, _ = io.Copy(ioutil.Discard, response.Body)
		_ = response.Body.Close()
	}()

	return classify(response.StatusCode)
}

// classify maps an HTTP status to a disposition. 2xx acknowledges the
// callback. Most 4xx statuses mean the merchant will never accept this
// payload, so retrying is pointless; the exceptions are the ones that
// signal a transient condition on their side.
func classify(status int) result {
	switch {
	case status >= 200 && status < 300:
		return result{disposition: dispositionDone}
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return result{disposition: dispositionRetry,
			err: fmt.Errorf("callback got status %d", status)}
	case status >= 400 && status < 500:
		return result{disposition: dispositionDead,
			err: fmt.Errorf("callback rejected with status %d", status)}
	default:
		return result{disposition: dispositionRetry,
			err: fmt.Errorf("callback got status %d", status)}
	}
}
