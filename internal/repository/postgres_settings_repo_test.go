package repository

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/crmsync/internal/settings"
)

// compile-time interface check
var _ settings.Store = (*PostgresSettingsRepo)(nil)

func setupMockSettingsRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresSettingsRepo) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresSettingsRepo(db)
}

func TestPostgresSettingsRepo_Get(t *testing.T) {
	db, mock, repo := setupMockSettingsRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM crm_settings WHERE key = \$1`).
		WithArgs("crm").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`"mautic"`)))
	mock.ExpectQuery(`SELECT value FROM crm_settings WHERE key = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	v, found, err := repo.Get(context.Background(), "crm")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `"mautic"`, string(v))

	_, found, err = repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresSettingsRepo_SetMany_SingleTransaction(t *testing.T) {
	db, mock, repo := setupMockSettingsRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("available_tags").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO crm_settings (.+) ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("available_tags", []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("crm_fields").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO crm_settings`).
		WithArgs("crm_fields", []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SetMany(context.Background(), map[string][]byte{
		"crm_fields":     []byte(`[]`),
		"available_tags": []byte(`[]`),
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettingsRepo_SetMany_RollsBackOnError(t *testing.T) {
	db, mock, repo := setupMockSettingsRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO crm_settings`).
		WithArgs("a", []byte(`1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs("b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO crm_settings`).
		WithArgs("b", []byte(`2`)).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.SetMany(context.Background(), map[string][]byte{"a": []byte(`1`), "b": []byte(`2`)})

	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettingsRepo_Modify_ReadsUnderLock(t *testing.T) {
	db, mock, repo := setupMockSettingsRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("available_tags").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT value FROM crm_settings WHERE key = \$1`).
		WithArgs("available_tags").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`[{"ID":"1"}]`)))
	mock.ExpectExec(`INSERT INTO crm_settings`).
		WithArgs("available_tags", []byte(`[{"ID":"1"},{"ID":"2"}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Modify(context.Background(), "available_tags", func(cur []byte, found bool) ([]byte, bool, error) {
		assert.True(t, found)
		assert.Equal(t, `[{"ID":"1"}]`, string(cur))
		return []byte(`[{"ID":"1"},{"ID":"2"}]`), true, nil
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettingsRepo_Modify_UnchangedSkipsWrite(t *testing.T) {
	db, mock, repo := setupMockSettingsRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("available_tags").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT value FROM crm_settings`).
		WithArgs("available_tags").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.Modify(context.Background(), "available_tags", func(cur []byte, found bool) ([]byte, bool, error) {
		assert.False(t, found)
		return nil, false, nil
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettingsRepo_WithService(t *testing.T) {
	db, mock, repo := setupMockSettingsRepo(t)
	defer db.Close()

	mock.MatchExpectationsInOrder(false)
	for _, key := range []string{
		settings.KeyCRM, settings.KeyAvailableTags, settings.KeyCRMFields,
		settings.KeyContactFields, settings.KeyEnableLogging, settings.KeyLoggingErrorsOnly,
	} {
		mock.ExpectQuery(`SELECT value FROM crm_settings`).
			WithArgs(key).
			WillReturnError(sql.ErrNoRows)
	}

	svc := settings.NewService(repo, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, svc.Load(context.Background()))
	assert.True(t, svc.LoggingEnabled())
}
