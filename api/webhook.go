package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stanislawq/Cryptocurrency-gateway/api/apierr"
	"github.com/stanislawq/Cryptocurrency-gateway/ingress"
)

// HeaderWebhookSecret authenticates the event provider
const HeaderWebhookSecret = "X-Webhook-Secret"

type webhookRequest struct {
	Events []ingress.Event `json:"events" binding:"required"`
}

// providerWebhook takes a batch of transfer events from the monitoring
// provider. Events are acked individually: malformed ones are quarantined
// and counted, duplicates are no-ops, and only an infrastructure failure
// makes the provider redeliver the batch.
func (r *RestServer) providerWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(HeaderWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(r.conf.WebhookSecret)) != 1 {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadWebhookSecret)
			return
		}

		var request webhookRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			_ = c.AbortWithError(http.StatusBadRequest, err).SetType(gin.ErrorTypeBind)
			return
		}

		counts := make(map[ingress.Outcome]int)
		for _, event := range request.Events {
			outcome, err := ingress.ProcessEvent(r.db, event)
			if err != nil {
				log.WithError(err).WithField("txHash", event.TxHash).
					Error("Could not process transfer event")
				_ = c.Error(err)
				return
			}
			counts[outcome]++
		}

		c.JSON(http.StatusOK, gin.H{
			"received":    len(request.Events),
			"credited":    counts[ingress.OutcomeCredited],
			"buffered":    counts[ingress.OutcomeBuffered],
			"duplicate":   counts[ingress.OutcomeDuplicate],
			"recorded":    counts[ingress.OutcomeRecorded],
			"quarantined": counts[ingress.OutcomeQuarantined],
		})
	}
}
