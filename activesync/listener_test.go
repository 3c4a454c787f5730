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

package activesync

import (
	"net/http/httptest"
	"testing"

	"github.com/hivemail/hivesync/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ backend.Credential = unauthorized{}

func TestListenerAuth_MissingBasicAuth(t *testing.T) {
	l := NewListener(Config{})
	req := httptest.NewRequest("POST", "/Microsoft-Server-ActiveSync?Cmd=Sync&DeviceId=dev1&DeviceType=SmartPhone", nil)

	c, err := l.auth(req)
	require.NoError(t, err)

	assert.False(t, c.IsAuthorized())
	assert.Empty(t, c.UserID())
	assert.Zero(t, c.UserUID())
	assert.Empty(t, c.Password())
}
