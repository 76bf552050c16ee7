package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/httputil"
)

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Catalog.ListPlans(r.Context(), mux.Vars(r)["app"])
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, plans)
}

// upsertPlan stores a plan definition. Subscriptions already on the plan
// pick up the new features on their next transition.
func (s *Server) upsertPlan(w http.ResponseWriter, r *http.Request) {
	var plan catalog.Plan
	if !httputil.ParseJSONOrError(w, r, &plan) {
		return
	}
	id := mux.Vars(r)["plan"]
	if plan.ID == "" {
		plan.ID = id
	}
	if plan.ID != id {
		httputil.WriteDomainError(w, billing.NewValidationError("id", "does not match the path"))
		return
	}
	if err := plan.Validate(); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	if err := s.deps.Catalog.(catalog.Writer).UpsertPlan(r.Context(), &plan); err != nil {
		s.log.WithError(err).WithField("plan_id", plan.ID).Error("failed to store plan")
		httputil.WriteDomainError(w, err)
		return
	}
	s.log.WithField("plan_id", plan.ID).Info("plan stored")
	_ = httputil.WriteSuccess(w, &plan)
}
