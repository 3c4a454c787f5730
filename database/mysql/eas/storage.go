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
	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/database"
)

type storage struct {
	dbName string
}

// New returns storage that implements the activesync.Storage interface.
func New(dbName string) *storage {
	return &storage{
		dbName: dbName,
	}
}

// deviceID is case-sensitive.
func (r *storage) NewCacheStore(queryer database.Queryer, deviceID, user string) activesync.CacheStore {
	return &cacheStore{
		queryer:  queryer,
		deviceID: deviceID,
		user:     user,
		dbName:   r.dbName,
	}
}

// deviceID is case-sensitive.
func (r *storage) NewStateStore(queryer database.Queryer, deviceID, user, folderID string) activesync.StateStore {
	return &stateStore{
		queryer:  queryer,
		deviceID: deviceID,
		user:     user,
		folderID: folderID,
		dbName:   r.dbName,
	}
}
