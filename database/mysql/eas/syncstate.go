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
	"fmt"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/database"
	"github.com/hivemail/hivesync/database/mysql"
)

// stateStore keeps one `syncstate` row per issued sync key. The auto
// increment id orders the keys of one collection, so the newest row is the
// authoritative state and older rows exist only for retry recovery.
type stateStore struct {
	queryer  database.Queryer
	deviceID string
	user     string
	folderID string
	dbName   string
}

func (r *stateStore) Load(key activesync.SyncKey, lock database.LockMode) (activesync.StateData, error) {
	var blob []byte
	f := func(tx *sql.Tx) error {
		qry := "SELECT `data` "
		qry += "FROM `" + r.dbName + "`.`syncstate` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `folder_id` = ? AND `sync_key` = ? "
		qry += mysql.GetLockCmd(lock)

		if err := tx.QueryRow(qry, r.deviceID, r.user, r.folderID, key.String()).Scan(&blob); err != nil {
			if err == sql.ErrNoRows {
				return activesync.ErrInvalidSyncKey
			}
			return err
		}

		return nil
	}
	if err := r.queryer.Query(f); err != nil {
		return activesync.StateData{}, err
	}

	var data activesync.StateData
	if err := json.Unmarshal(blob, &data); err != nil {
		return activesync.StateData{}, fmt.Errorf("decoding sync state: %v", err)
	}

	return data, nil
}

func (r *stateStore) LastKey(lock database.LockMode) (key activesync.SyncKey, ok bool, err error) {
	var raw string
	f := func(tx *sql.Tx) error {
		qry := "SELECT `sync_key` "
		qry += "FROM `" + r.dbName + "`.`syncstate` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `folder_id` = ? "
		qry += "ORDER BY `id` DESC LIMIT 1 "
		qry += mysql.GetLockCmd(lock)

		if err := tx.QueryRow(qry, r.deviceID, r.user, r.folderID).Scan(&raw); err != nil {
			if err != sql.ErrNoRows {
				return err
			}
			ok = false
		} else {
			ok = true
		}

		return nil
	}
	if err := r.queryer.Query(f); err != nil {
		return activesync.SyncKey{}, false, err
	}
	if !ok {
		return activesync.SyncKey{}, false, nil
	}

	key, err = activesync.ParseSyncKey(raw)
	if err != nil {
		return activesync.SyncKey{}, false, fmt.Errorf("malformed sync key in storage: %q", raw)
	}

	return key, true, nil
}

func (r *stateStore) Save(prev, next activesync.SyncKey, data activesync.StateData) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding sync state: %v", err)
	}

	f := func(tx *sql.Tx) error {
		// The newest row is locked first so two sessions saving for the
		// same collection serialize here.
		qry := "SELECT `sync_key` "
		qry += "FROM `" + r.dbName + "`.`syncstate` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `folder_id` = ? "
		qry += "ORDER BY `id` DESC LIMIT 1 "
		qry += "FOR UPDATE"

		var last string
		err := tx.QueryRow(qry, r.deviceID, r.user, r.folderID).Scan(&last)
		switch {
		case err == sql.ErrNoRows:
			if !prev.IsZero() {
				return activesync.ErrConcurrentModification
			}
		case err != nil:
			return err
		default:
			if last != prev.String() {
				return activesync.ErrConcurrentModification
			}
		}

		qry = "INSERT INTO `" + r.dbName + "`.`syncstate` "
		qry += "(`device_id`, `user_id`, `folder_id`, `sync_key`, `data`, `timestamp`) "
		qry += "VALUE(?, ?, ?, ?, ?, NOW())"

		if _, err := tx.Exec(qry, r.deviceID, r.user, r.folderID, next.String(), blob); err != nil {
			if isDuplicateEntry(err) {
				return activesync.ErrConcurrentModification
			}
			return err
		}

		return nil
	}

	return r.queryer.Query(f)
}

func (r *stateStore) Prune(key activesync.SyncKey, keep int) error {
	if key.Counter <= uint32(keep) {
		return nil
	}
	floor := activesync.SyncKey{UUID: key.UUID, Counter: key.Counter - uint32(keep)}

	f := func(tx *sql.Tx) error {
		// Keys of an older lineage sort before the floor key's row id,
		// so lineage restarts are pruned here as well.
		qry := "DELETE FROM `" + r.dbName + "`.`syncstate` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `folder_id` = ? "
		qry += "AND `id` < (SELECT `id` FROM (SELECT `id` FROM `" + r.dbName + "`.`syncstate` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `folder_id` = ? AND `sync_key` = ?) AS `floor`)"

		if _, err := tx.Exec(qry, r.deviceID, r.user, r.folderID, r.deviceID, r.user, r.folderID, floor.String()); err != nil {
			return err
		}

		return nil
	}

	return r.queryer.Query(f)
}

func (r *stateStore) Reset() error {
	f := func(tx *sql.Tx) error {
		qry := "DELETE FROM `" + r.dbName + "`.`syncstate` "
		qry += "WHERE `device_id` = ? AND `user_id` = ? AND `folder_id` = ?"
		if _, err := tx.Exec(qry, r.deviceID, r.user, r.folderID); err != nil {
			return err
		}
		return nil
	}

	return r.queryer.Query(f)
}
