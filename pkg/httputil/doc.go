// Package httputil holds the JSON response helpers, request parsing and
// middleware shared by the API handlers.
//
// Domain errors map to status codes in one place:
//
//	*billing.ValidationError        400
//	*billing.NotFoundError          404
//	conflicts and bad transitions   409
//	*billing.PaymentError           402
//	*usage.QuotaExceededError       429
//
//	sub, err := svc.Get(ctx, tenant, app)
//	if err != nil {
//		httputil.WriteDomainError(w, err)
//		return
//	}
//	httputil.WriteSuccess(w, sub)
package httputil
