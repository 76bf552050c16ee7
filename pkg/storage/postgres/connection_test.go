package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single URL", input: "postgres://localhost:5432/db", expected: []string{"postgres://localhost:5432/db"}},
		{
			name:     "URLs with whitespace",
			input:    " postgres://host1:5432/db , postgres://host2:5432/db ",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{
			name:     "URLs with empty entries",
			input:    "postgres://host1:5432/db,,postgres://host2:5432/db,",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{name: "only commas and whitespace", input: " , , , ", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestConnectionManager_Replica(t *testing.T) {
	primary, _ := newMockDB(t)
	defer primary.Close()

	t.Run("falls back to primary", func(t *testing.T) {
		cm := NewConnectionManagerFromDB(primary)
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		r1, _ := newMockDB(t)
		r2, _ := newMockDB(t)
		defer r1.Close()
		defer r2.Close()

		cm := NewConnectionManagerFromDB(primary, r1, r2)
		seen := map[*sql.DB]int{}
		for i := 0; i < 4; i++ {
			seen[cm.Replica()]++
		}
		assert.Equal(t, 2, seen[r1])
		assert.Equal(t, 2, seen[r2])
		assert.Same(t, primary, cm.Primary())
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("primary down", func(t *testing.T) {
		primary, mock := newMockDB(t)
		defer primary.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := NewConnectionManagerFromDB(primary).HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := newMockDB(t)
		replica, rm := newMockDB(t)
		defer primary.Close()
		defer replica.Close()
		pm.ExpectPing()
		rm.ExpectPing().WillReturnError(errors.New("timeout"))

		err := NewConnectionManagerFromDB(primary, replica).HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})

	t.Run("unhealthy replica removed", func(t *testing.T) {
		primary, _ := newMockDB(t)
		good, gm := newMockDB(t)
		bad, bm := newMockDB(t)
		defer primary.Close()
		defer good.Close()
		gm.ExpectPing()
		bm.ExpectPing().WillReturnError(errors.New("timeout"))
		bm.ExpectClose()

		cm := NewConnectionManagerFromDB(primary, good, bad)
		assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(ctx))
		assert.Same(t, good, cm.Replica())
	})
}
