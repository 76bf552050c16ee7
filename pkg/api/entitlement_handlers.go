package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/httputil"
)

// IncrementRequest is the body of POST .../usage/{feature}.
type IncrementRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) listEntitlements(w http.ResponseWriter, r *http.Request) {
	tenant, app := tenantApp(r)
	ents, err := s.deps.Entitlements.List(r.Context(), tenant, app)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, ents)
}

func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	tenant, app := tenantApp(r)
	access, err := s.deps.Entitlements.HasAccess(r.Context(), tenant, app, mux.Vars(r)["feature"])
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, access)
}

func (s *Server) currentUsage(w http.ResponseWriter, r *http.Request) {
	tenant, app := tenantApp(r)
	counter, err := s.deps.Usage.Current(r.Context(), tenant, entitlements.ResourceKey(app, mux.Vars(r)["feature"]))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, counter)
}

// incrementUsage consumes quota. Without a body the amount comes from
// ?amount= and defaults to one unit.
func (s *Server) incrementUsage(w http.ResponseWriter, r *http.Request) {
	amount, err := httputil.ParseQueryInt64(r, "amount", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	req := IncrementRequest{Amount: amount}
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	tenant, app := tenantApp(r)

	res, err := s.deps.Usage.Increment(r.Context(), tenant, entitlements.ResourceKey(app, mux.Vars(r)["feature"]), req.Amount)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, res)
}

func (s *Server) analyzeUsage(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.deps.Usage.Analyze(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, analysis)
}
