/*
 * Hivesync is an ActiveSync synchronization service for the Hivemail
 * groupware server.
 *
 * Copyright (C) 2025 Hivemail Authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package eas

import (
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/hivemail/hivesync/activesync"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testQueryer runs each Query callback in its own transaction against the
// mocked connection, committing on success and rolling back on error, the
// way the transaction layer does in production.
type testQueryer struct {
	db *sql.DB
}

func (r *testQueryer) Query(f func(*sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func newTestCacheStore(t *testing.T) (activesync.CacheStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := New("hivesync").NewCacheStore(&testQueryer{db: db}, "dev1", "alice")

	return store, mock, db
}

func duplicateEntryError() error {
	return &mysql.MySQLError{Number: mysqlDuplicatedError, Message: "Duplicate entry"}
}

func TestCacheStoreLoad(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	blob, err := json.Marshal(activesync.CacheData{Hierarchy: "{550e8400-e29b-41d4-a716-446655440000}1", HBInterval: 600})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `version`, `data` FROM `hivesync`.`synccache`")).
		WithArgs("dev1", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"version", "data"}).AddRow(3, blob))
	mock.ExpectCommit()

	data, version, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
	assert.Equal(t, "{550e8400-e29b-41d4-a716-446655440000}1", data.Hierarchy)
	assert.Equal(t, 600, data.HBInterval)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreLoad_Miss(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `version`, `data` FROM `hivesync`.`synccache`")).
		WithArgs("dev1", "alice").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.Load()
	assert.ErrorIs(t, err, activesync.ErrCacheMiss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreLoad_UnknownField(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `version`, `data` FROM `hivesync`.`synccache`")).
		WithArgs("dev1", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"version", "data"}).AddRow(1, []byte(`{"hierarchy": "0", "bogus": 1}`)))
	mock.ExpectCommit()

	_, _, err := store.Load()
	assert.Error(t, err)
}

func TestCacheStoreSave_Insert(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `hivesync`.`synccache`")).
		WithArgs("dev1", "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(activesync.CacheData{}, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreSave_InsertRace(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `hivesync`.`synccache`")).
		WithArgs("dev1", "alice", sqlmock.AnyArg()).
		WillReturnError(duplicateEntryError())
	mock.ExpectRollback()

	err := store.Save(activesync.CacheData{}, 0)
	assert.ErrorIs(t, err, activesync.ErrConcurrentModification)
}

func TestCacheStoreSave_Update(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `hivesync`.`synccache`")).
		WithArgs(sqlmock.AnyArg(), "dev1", "alice", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(activesync.CacheData{}, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreSave_UpdateConflict(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	// Another session already bumped the version; zero rows match.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `hivesync`.`synccache`")).
		WithArgs(sqlmock.AnyArg(), "dev1", "alice", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Save(activesync.CacheData{}, 3)
	assert.ErrorIs(t, err, activesync.ErrConcurrentModification)
}

func TestCacheStoreDelete(t *testing.T) {
	store, mock, db := newTestCacheStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `hivesync`.`synccache`")).
		WithArgs("dev1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Delete())
	assert.NoError(t, mock.ExpectationsWereMet())
}
