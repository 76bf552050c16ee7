package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type body struct {
		PlanID string `json:"plan_id"`
	}
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{"valid JSON", `{"plan_id": "starter"}`, false},
		{"invalid JSON", `{invalid}`, true},
		{"unknown field", `{"plan_id": "starter", "price": 1}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))
			var dest body
			err := ParseJSON(req, &dest)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "starter", dest.PlanID)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`nope`))
	w := httptest.NewRecorder()
	var dest map[string]any
	assert.False(t, ParseJSONOrError(w, req, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?amount=5&immediate=true&bad=x", nil)

	n, err := ParseQueryInt64(req, "amount", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = ParseQueryInt64(req, "missing", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = ParseQueryInt64(req, "bad", 1)
	assert.Error(t, err)

	b, err := ParseQueryBool(req, "immediate", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = ParseQueryBool(req, "bad", false)
	assert.Error(t, err)
}
