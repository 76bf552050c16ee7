package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/appgrant/pkg/httputil"
	"github.com/platinummonkey/appgrant/pkg/subscriptions"
)

// tenantApp returns the {tenant} and {app} route variables.
func tenantApp(r *http.Request) (string, string) {
	vars := mux.Vars(r)
	return vars["tenant"], vars["app"]
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Subscriptions.List(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, subs)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, app := tenantApp(r)
	sub, err := s.deps.Subscriptions.Get(r.Context(), tenant, app)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptions.SubscribeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.TenantID, req.AppID = tenantApp(r)

	sub, err := s.deps.Subscriptions.Subscribe(r.Context(), req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteCreated(w, sub)
}

func (s *Server) previewChange(w http.ResponseWriter, r *http.Request) {
	var req subscriptions.ChangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.TenantID, req.AppID = tenantApp(r)

	preview, err := s.deps.Subscriptions.Preview(r.Context(), req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, preview)
}

func (s *Server) changePlan(w http.ResponseWriter, r *http.Request) {
	var req subscriptions.ChangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.TenantID, req.AppID = tenantApp(r)

	res, err := s.deps.Subscriptions.ChangePlan(r.Context(), req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, res)
}

// cancel ends the subscription at period end, or now with ?immediate=true.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	immediate, err := httputil.ParseQueryBool(r, "immediate", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	tenant, app := tenantApp(r)

	sub, err := s.deps.Subscriptions.Cancel(r.Context(), tenant, app, immediate)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) reactivate(w http.ResponseWriter, r *http.Request) {
	tenant, app := tenantApp(r)
	sub, err := s.deps.Subscriptions.Reactivate(r.Context(), tenant, app)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}
