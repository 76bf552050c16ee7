package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/appgrant/pkg/catalog"
)

func TestUpsertPlan(t *testing.T) {
	srv, _ := newTestServer(t, Options{InternalToken: "internal"})
	auth := map[string]string{"Authorization": "Bearer internal"}

	plan := map[string]any{
		"app_id": "crm", "name": "Team", "price_cents": 1900, "currency": "usd",
		"interval": "month", "active": true,
		"features": []map[string]any{{"key": "contacts", "kind": "limit", "limit": 500, "reset_period": "month"}},
	}
	w := doRequest(t, srv, http.MethodPut, "/internal/plans/crm-team", plan, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, srv, http.MethodGet, "/v1/apps/crm/plans", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var plans []*catalog.Plan
	decode(t, w, &plans)
	require.Len(t, plans, 2)
	assert.Equal(t, "crm-team", plans[0].ID, "plans are ordered by price")

	plan["id"] = "other"
	w = doRequest(t, srv, http.MethodPut, "/internal/plans/crm-team", plan, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	delete(plan, "id")
	plan["interval"] = "fortnight"
	w = doRequest(t, srv, http.MethodPut, "/internal/plans/crm-team", plan, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodPut, "/internal/plans/crm-team", plan, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
