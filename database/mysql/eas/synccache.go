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
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/database"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicatedError = 1062

func isDuplicateEntry(err error) bool {
	e, ok := err.(*mysql.MySQLError)
	if !ok {
		return false
	}

	return e.Number == mysqlDuplicatedError
}

type cacheStore struct {
	queryer  database.Queryer
	deviceID string
	user     string
	dbName   string
}

func (r *cacheStore) Load() (data activesync.CacheData, version uint64, err error) {
	var blob []byte
	f := func(tx *sql.Tx) error {
		qry := "SELECT `version`, `data` "
		qry += "FROM `" + r.dbName + "`.`synccache` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? "
		qry += "FOR UPDATE"

		if err := tx.QueryRow(qry, r.deviceID, r.user).Scan(&version, &blob); err != nil {
			if err == sql.ErrNoRows {
				return activesync.ErrCacheMiss
			}
			return err
		}

		return nil
	}
	if err := r.queryer.Query(f); err != nil {
		return activesync.CacheData{}, 0, err
	}

	// Unknown fields in the stored blob mean the record was written by
	// something this server does not understand. Reject instead of
	// silently dropping them on the next save.
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return activesync.CacheData{}, 0, fmt.Errorf("decoding sync cache: %v", err)
	}

	return data, version, nil
}

func (r *cacheStore) Save(data activesync.CacheData, version uint64) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding sync cache: %v", err)
	}

	f := func(tx *sql.Tx) error {
		if version == 0 {
			qry := "INSERT INTO `" + r.dbName + "`.`synccache` "
			qry += "(`device_id`, `user_id`, `version`, `data`, `timestamp`) "
			qry += "VALUE(?, ?, 1, ?, NOW())"

			if _, err := tx.Exec(qry, r.deviceID, r.user, blob); err != nil {
				if isDuplicateEntry(err) {
					return activesync.ErrConcurrentModification
				}
				return err
			}
			return nil
		}

		qry := "UPDATE `" + r.dbName + "`.`synccache` "
		qry += "SET `version` = `version` + 1, `data` = ?, `timestamp` = NOW() "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `version` = ?"

		result, err := tx.Exec(qry, blob, r.deviceID, r.user, version)
		if err != nil {
			return err
		}
		// NOTE: Assume that clientFoundRows is enabled.
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return activesync.ErrConcurrentModification
		}

		return nil
	}

	return r.queryer.Query(f)
}

func (r *cacheStore) Delete() error {
	f := func(tx *sql.Tx) error {
		qry := "DELETE FROM `" + r.dbName + "`.`synccache` "
		qry += "WHERE `device_id` = ? AND `user_id` = ?"
		if _, err := tx.Exec(qry, r.deviceID, r.user); err != nil {
			return err
		}
		return nil
	}

	return r.queryer.Query(f)
}
