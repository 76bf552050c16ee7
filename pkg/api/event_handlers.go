package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/httputil"
	"github.com/platinummonkey/appgrant/pkg/reconcile"
	"github.com/platinummonkey/appgrant/pkg/storage"
)

// handleEvent accepts an envelope that was verified upstream.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env reconcile.Envelope
	if !httputil.ParseJSONOrError(w, r, &env) {
		return
	}
	s.ingest(w, r, env)
}

// handleStripeWebhook verifies the Stripe signature and ingests the
// translated envelope.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		httputil.WriteBadRequest(w, "missing Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, s.opts.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.log.WithError(err).Warn("rejected stripe webhook")
		httputil.WriteBadRequest(w, "invalid Stripe signature")
		return
	}

	env, err := EnvelopeFromStripe(&event)
	if errors.Is(err, errNoSubscription) {
		_ = httputil.WriteSuccess(w, &reconcile.Result{EventID: env.EventID, Outcome: storage.OutcomeIgnored})
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("event_id", event.ID).Warn("malformed stripe event")
		httputil.WriteDomainError(w, err)
		return
	}
	s.ingest(w, r, env)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, env reconcile.Envelope) {
	log := s.log.WithFields(logrus.Fields{
		"event_id":   env.EventID,
		"event_type": env.EventType,
		"tenant_id":  env.Object.TenantID,
	})

	if s.opts.Queue != nil {
		task, err := reconcile.IngestAsync(r.Context(), s.opts.Queue, env)
		if err != nil {
			log.WithError(err).Warn("failed to queue event")
			if billing.IsValidation(err) {
				httputil.WriteDomainError(w, err)
				return
			}
			httputil.WriteServiceUnavailable(w, s.opts.RetryAfter, "event queue unavailable")
			return
		}
		_ = httputil.WriteAccepted(w, map[string]string{"event_id": env.EventID, "task_id": task.ID})
		return
	}

	res, err := s.deps.Ingester.Ingest(r.Context(), env)
	switch {
	case billing.IsRetryable(err):
		log.WithError(err).Info("event references an unknown subscription, asking for redelivery")
		httputil.WriteServiceUnavailable(w, s.opts.RetryAfter, err.Error())
	case err != nil:
		if httputil.StatusFor(err) >= http.StatusInternalServerError {
			log.WithError(err).Error("event ingest failed")
		}
		httputil.WriteDomainError(w, err)
	default:
		_ = httputil.WriteSuccess(w, res)
	}
}
