package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

func clusterRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "tier", "api_key_hash", "previous_api_key_hash",
		"previous_api_key_expires_at", "logging_profile", "version", "created_at", "updated_at",
	})
}

func TestGetClusterScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .* FROM cp_clusters WHERE id = \\$1").
		WithArgs("cluster-1").
		WillReturnRows(clusterRow().AddRow("cluster-1", "acme", "community", "hash", nil, nil, "standard", 1, now, now))

	store := New(db)
	c, err := store.GetCluster(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", c.Name)
	assert.Equal(t, cluster.Tier("community"), c.Tier)
	assert.Equal(t, 1, c.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetClusterNotFoundMapsToErrNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM cp_clusters WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(clusterRow())

	store := New(db)
	_, err = store.GetCluster(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateClusterUniqueViolationMapsToErrConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO cp_clusters").
		WillReturnError(&pqError{code: "23505"})

	store := New(db)
	_, err = store.CreateCluster(context.Background(), cluster.Cluster{Name: "acme", Tier: cluster.TierCommunity})
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

// pqError is a minimal stand-in for lib/pq's *pq.Error: isUniqueViolation
// only ever string-matches the rendered error text for the SQLSTATE code.
type pqError struct{ code string }

func (e *pqError) Error() string { return "pq: duplicate key value violates unique constraint (SQLSTATE " + e.code + ")" }

func TestUpdateClusterStaleVersionErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .* FROM cp_clusters WHERE id = \\$1").
		WithArgs("cluster-1").
		WillReturnRows(clusterRow().AddRow("cluster-1", "acme", "community", "hash", nil, nil, "standard", 2, now, now))

	store := New(db)
	_, err = store.UpdateCluster(context.Background(), cluster.Cluster{ID: "cluster-1", Name: "acme-renamed"}, 1)
	assert.ErrorIs(t, err, storage.ErrStaleWrite)

	require.NoError(t, mock.ExpectationsWereMet())
}
