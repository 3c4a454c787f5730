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

package eas121

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/database"

	"github.com/superkkt/logger"
)

const (
	syncStatusOK             = 1
	syncStatusInvalidSyncKey = 3
	syncStatusProtocolError  = 4
	syncStatusNotFound       = 8
	syncStatusFolderChange   = 12
	syncStatusEmptyRequest   = 13
	syncStatusRetry          = 16
)

type SyncReq struct {
	XMLName     xml.Name `xml:"Sync"`
	Collections struct {
		Collection []SyncCollection
	}
	WindowSize        int // Global window size
	Partial           *string
	HeartbeatInterval *int
	Wait              *int
}

func (r *SyncReq) NumCollections() int {
	return len(r.Collections.Collection)
}

func (r *SyncReq) IsPartial() bool {
	return r.Partial != nil
}

func (r *SyncReq) HasClientChanges() bool {
	for _, v := range r.Collections.Collection {
		for _, c := range v.Commands.Values {
			if c.XMLName.Local != "Fetch" {
				return true
			}
		}
	}

	return false
}

type SyncCollection struct {
	Class          string
	SyncKey        string
	CollectionId   string
	DeletesAsMoves *string // boolean value, but we use string due to the self-closed tag.
	GetChanges     *string // boolean value, but we use string due to the self-closed tag.
	WindowSize     int     // Collection local window size
	Options        SyncOptions
	Commands       struct {
		// Some fields may be empty depending on its command type.
		Values []ClientCommand `xml:",any"`
	}
}

func (r *SyncCollection) HasDeletesAsMoves() bool {
	// Only false if it is explicitly specified by the client
	if r.DeletesAsMoves != nil && *r.DeletesAsMoves == "0" {
		return false
	}

	return true
}

// HasGetChanges defaults to true on a non-zero sync key.
func (r *SyncCollection) HasGetChanges() bool {
	if r.GetChanges == nil {
		return r.SyncKey != "0" && r.SyncKey != ""
	}

	return *r.GetChanges != "0"
}

type ClientCommand struct {
	// XMLName will have Add, Delete, Change, and Fetch in its Local name.
	XMLName  xml.Name
	ClientId string
	ServerId string
}

type SyncOptions struct {
	// All fields are strings due to possibly self-closed tags.
	FilterType     string
	MIMETruncation string
	MIMESupport    string
	Truncation     string
	Conflict       string
	BodyPreference []BodyPreferenceReq
}

type BodyPreferenceReq struct {
	Type           string
	TruncationSize string
	AllOrNone      *string
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}

	return n
}

// toCollection converts a request collection into the working-set entry. A
// malformed sync key fails with activesync.ErrInvalidSyncKey.
func (r *SyncCollection) toCollection() (*activesync.Collection, error) {
	key, err := activesync.ParseSyncKey(r.SyncKey)
	if err != nil {
		return nil, err
	}

	c := &activesync.Collection{
		ID:             r.CollectionId,
		Class:          r.Class,
		WindowSize:     r.WindowSize,
		FilterType:     atoiDefault(r.Options.FilterType, 0),
		Truncation:     atoiDefault(r.Options.Truncation, 0),
		MIMETruncation: atoiDefault(r.Options.MIMETruncation, 0),
		MIMESupport:    atoiDefault(r.Options.MIMESupport, 0),
		Conflict:       atoiDefault(r.Options.Conflict, 0),
		DeletesAsMoves: r.HasDeletesAsMoves(),
		SyncKey:        key,
		GetChanges:     r.HasGetChanges(),
	}
	if len(r.Options.BodyPreference) > 0 {
		c.BodyPrefs = make(map[int]activesync.BodyPreference, len(r.Options.BodyPreference))
		for _, p := range r.Options.BodyPreference {
			t := atoiDefault(p.Type, 0)
			c.BodyPrefs[t] = activesync.BodyPreference{
				Type:           t,
				TruncationSize: atoiDefault(p.TruncationSize, 0),
				AllOrNone:      p.AllOrNone != nil && *p.AllOrNone != "0",
			}
		}
	}

	return c, nil
}

type collectionResp struct {
	class        string
	syncKey      string
	collectionID string
	status       int
	moreAvail    bool
	commands     string
	responses    string
}

func (r *collectionResp) encode() string {
	var buf bytes.Buffer
	buf.WriteString("<Collection>")
	if r.class != "" {
		buf.WriteString(fmt.Sprintf("<Class>%v</Class>", r.class))
	}
	buf.WriteString(fmt.Sprintf("<SyncKey>%v</SyncKey><CollectionId>%v</CollectionId><Status>%v</Status>", r.syncKey, r.collectionID, r.status))
	if r.moreAvail {
		buf.WriteString("<MoreAvailable/>")
	}
	if len(r.commands) > 0 {
		buf.WriteString(fmt.Sprintf("<Commands>%v</Commands>", r.commands))
	}
	if len(r.responses) > 0 {
		buf.WriteString(fmt.Sprintf("<Responses>%v</Responses>", r.responses))
	}
	buf.WriteString("</Collection>")

	return buf.String()
}

func encodeSyncResp(collections []*collectionResp) string {
	var buf bytes.Buffer
	buf.WriteString(`<Sync xmlns="AirSync:" xmlns:email="Email:"><Collections>`)
	for _, c := range collections {
		buf.WriteString(c.encode())
	}
	buf.WriteString("</Collections></Sync>")

	return buf.String()
}

func (r *handler) writeSyncStatus(status int) {
	r.resp.Write([]byte(fmt.Sprintf(`<Sync xmlns="AirSync:"><Status>%v</Status></Sync>`, status)))
}

func (r *handler) handleSync(tx database.Transaction) error {
	// Sync response is given in WBXML encoding.
	r.resp.SetWBXML(true)

	reqBody := new(SyncReq)
	if err := activesync.ParseWBXMLRequest(r.req, reqBody); err != nil {
		r.badRequest = true
		return fmt.Errorf("ParseWBXMLRequest: %v", err)
	}
	logger.Debug(fmt.Sprintf("Sync request: %+v", reqBody))

	deviceID := getDeviceID(r.req)
	user := r.credential.UserID()

	store := r.param.ASStorage.NewCacheStore(tx, deviceID, user)
	cacheMiss := false
	cache, err := activesync.LoadSyncCache(store, deviceID, user)
	if err != nil {
		if err != activesync.ErrCacheMiss {
			return fmt.Errorf("loading sync cache: %v", err)
		}
		cacheMiss = true
		cache = activesync.NewSyncCache(store, deviceID, user)
	}

	cols := activesync.NewCollections(cache)
	cols.SetHeartbeat(reqBody.HeartbeatInterval, reqBody.Wait)
	if reqBody.WindowSize > 0 {
		cols.SetDefaultWindowSize(reqBody.WindowSize)
	}
	if reqBody.HasClientChanges() {
		cols.SetImportedChanges()
	}

	// Malformed sync keys are isolated per collection: the rest of the
	// request is still processed.
	var badKeys []*collectionResp
	requested := make([]*activesync.Collection, 0, reqBody.NumCollections())
	for i := range reqBody.Collections.Collection {
		v := &reqBody.Collections.Collection[i]
		c, err := v.toCollection()
		if err != nil {
			logger.Warning(fmt.Sprintf("Client sent malformed sync key: UserID=%v, DeviceID=%v, CollectionId=%v, SyncKey=%q", user, deviceID, v.CollectionId, v.SyncKey))
			badKeys = append(badKeys, &collectionResp{
				class:        v.Class,
				collectionID: v.CollectionId,
				syncKey:      "0",
				status:       syncStatusInvalidSyncKey,
			})
			continue
		}
		requested = append(requested, c)
	}
	cache.ValidateFromCache(requested)
	for _, c := range requested {
		cols.AddCollection(c)
	}

	partialOK := cols.InitPartialSync()
	if reqBody.IsPartial() {
		if cacheMiss || !partialOK {
			logger.Debug(fmt.Sprintf("Rejecting partial sync: UserID=%v, DeviceID=%v, cacheMiss=%v", user, deviceID, cacheMiss))
			r.writeSyncStatus(syncStatusEmptyRequest)
			return nil
		}
		cols.GetMissingCollectionsFromCache()
	} else if reqBody.NumCollections() == 0 {
		// An empty non-partial request is only meaningful as a heartbeat
		// resend over the cached collection set.
		if cacheMiss || !cols.CanSendEmptyResponse() || cols.CachedCollectionCount() == 0 {
			logger.Debug(fmt.Sprintf("Empty Sync request without reusable cache: UserID=%v, DeviceID=%v", user, deviceID))
			r.writeSyncStatus(syncStatusEmptyRequest)
			return nil
		}
		cols.LoadCollectionsFromCache()
	}

	working := cols.Ready()
	if len(working) == 0 && len(badKeys) == 0 {
		r.writeSyncStatus(syncStatusEmptyRequest)
		return nil
	}
	if !cols.HaveSyncableCollections(protocolVersion) && len(working) > 0 {
		// Every working-set collection is bootstrapping; that is fine,
		// the per-collection path below issues fresh keys.
		logger.Debug(fmt.Sprintf("No previously synced collection in the working set: UserID=%v, DeviceID=%v", user, deviceID))
	}

	now := time.Now().Unix()
	if reqBody.HeartbeatInterval != nil {
		cache.SetLastHBSyncStarted(now)
		cache.SetLastUntil(now + int64(*reqBody.HeartbeatInterval))
	} else if reqBody.Wait != nil {
		cache.SetLastHBSyncStarted(now)
		cache.SetLastUntil(now + int64(*reqBody.Wait)*60)
	}

	byID := make(map[string]*SyncCollection)
	for i := range reqBody.Collections.Collection {
		v := &reqBody.Collections.Collection[i]
		byID[v.CollectionId] = v
	}

	responses := make([]*collectionResp, 0, len(working)+len(badKeys))
	responses = append(responses, badKeys...)
	changed := false
	for _, c := range working {
		resp, err := r.syncCollection(tx, cache, cols, c, byID[c.ID])
		if err != nil {
			return fmt.Errorf("syncing collection %v: %v", c.ID, err)
		}
		if len(resp.commands) > 0 || len(resp.responses) > 0 || resp.status != syncStatusOK {
			changed = true
		}
		responses = append(responses, resp)
	}

	cols.UpdateCache()
	cache.SetLastSyncEndNormal(time.Now().Unix())
	if err := cache.Save(); err != nil {
		if err == activesync.ErrConcurrentModification {
			logger.Warning(fmt.Sprintf("Concurrent Sync detected on cache save: UserID=%v, DeviceID=%v", user, deviceID))
			r.resp.Clear()
			r.writeSyncStatus(syncStatusRetry)
			return nil
		}
		return fmt.Errorf("saving sync cache: %v", err)
	}

	// A heartbeat turn with nothing to report is answered with an empty
	// body, saving the device a response parse.
	if !changed && len(badKeys) == 0 && cols.CanSendEmptyResponse() {
		logger.Debug(fmt.Sprintf("Empty Sync response: UserID=%v, DeviceID=%v", user, deviceID))
		return nil
	}

	r.resp.Write([]byte(encodeSyncResp(responses)))

	return nil
}

// syncCollection drives one collection's state machine for this round trip.
// Validation failures are reported in the returned status so sibling
// collections keep processing; only infrastructure errors return an error.
func (r *handler) syncCollection(tx database.Transaction, cache *activesync.SyncCache, cols *activesync.Collections, c *activesync.Collection, req *SyncCollection) (*collectionResp, error) {
	resp := &collectionResp{
		class:        c.Class,
		collectionID: c.ID,
		syncKey:      c.SyncKey.String(),
		status:       syncStatusOK,
	}
	deviceID := getDeviceID(r.req)
	user := r.credential.UserID()

	// The folder hierarchy is authoritative once synced.
	if len(cache.Folders()) > 0 {
		if _, ok := cache.Folders()[c.ID]; !ok {
			logger.Warning(fmt.Sprintf("Sync request for an unknown folder: UserID=%v, DeviceID=%v, CollectionId=%v", user, deviceID, c.ID))
			resp.status = syncStatusFolderChange
			return resp, nil
		}
	}

	store := r.param.ASStorage.NewStateStore(tx, deviceID, user, c.ID)
	state := activesync.NewCollectionState(store, c)

	if c.SyncKey.IsZero() {
		return r.bootstrapCollection(cache, c, state, resp)
	}

	// Use a write lock to make sure we sequentially process concurrent
	// requests that have same sync key.
	lastKey, ok, err := store.LastKey(database.LockWrite)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Warning(fmt.Sprintf("Client sent a sync key for a collection without state: UserID=%v, DeviceID=%v, CollectionId=%v, SyncKey=%v", user, deviceID, c.ID, c.SyncKey))
		resp.status = syncStatusInvalidSyncKey
		resp.syncKey = "0"
		return resp, nil
	}
	if c.SyncKey != lastKey {
		next, err := c.SyncKey.Next()
		if err == nil && cache.IsConfirmed(c.SyncKey) && next == lastKey {
			// The device never received our last response. Send it
			// again instead of re-applying the delta.
			return r.replayCollection(store, c, lastKey, resp)
		}
		logger.Warning(fmt.Sprintf("Client sent corrupted sync key: UserID=%v, DeviceID=%v, CollectionId=%v, lastSyncKey=%v, sentSyncKey=%v", user, deviceID, c.ID, lastKey, c.SyncKey))
		resp.status = syncStatusInvalidSyncKey
		resp.syncKey = "0"
		return resp, nil
	}

	// A changed filtertype invalidates the cached item set: the state is
	// rebuilt from scratch within the same key lineage.
	freshStart := !cols.CheckFilterType(c)
	if freshStart {
		if err := state.LoadState(activesync.SyncKey{}); err != nil {
			return nil, err
		}
		next, err := c.SyncKey.Next()
		if err != nil {
			return nil, err
		}
		state.SetNewSyncKey(next)
	} else {
		if err := state.LoadState(c.SyncKey); err != nil {
			if err == activesync.ErrInvalidSyncKey {
				resp.status = syncStatusInvalidSyncKey
				resp.syncKey = "0"
				return resp, nil
			}
			return nil, err
		}
	}

	responses, err := r.applyFetches(c, req, resp)
	if err != nil {
		return nil, err
	}
	resp.responses = responses

	if !c.GetChanges && !freshStart {
		// The device does not want server-side changes this turn.
		cache.ConfirmKey(c.SyncKey)
		cache.PruneConfirmedKeys(c.SyncKey.UUID, activesync.MaxConfirmedKeys)
		return resp, nil
	}

	changes, err := state.GetChanges(r.param.Driver, r.credential)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 && !freshStart {
		// Nothing to send. The key does not advance. A fresh start must
		// fall through anyway: its rebuilt state has to be committed or
		// the key the device holds would point at removed state rows.
		cache.ConfirmKey(c.SyncKey)
		cache.PruneConfirmedKeys(c.SyncKey.UUID, activesync.MaxConfirmedKeys)
		return resp, nil
	}

	window := c.WindowSize
	if window <= 0 || window > activesync.MaxWindowSize {
		window = activesync.MaxWindowSize
	}
	n := len(changes)
	if n > window {
		n = window
		resp.moreAvail = true
	}

	var commands bytes.Buffer
	for i := 0; i < n; i++ {
		encoded, err := r.encodeChange(c, changes[i])
		if err != nil {
			return nil, err
		}
		commands.WriteString(encoded)
		state.UpdateState(i)
	}
	resp.commands = commands.String()

	newKey, err := state.GetNewSyncKey()
	if err != nil {
		return nil, err
	}
	if err := state.Save(); err != nil {
		if err == activesync.ErrConcurrentModification {
			logger.Warning(fmt.Sprintf("Concurrent Sync detected on state save: UserID=%v, DeviceID=%v, CollectionId=%v", user, deviceID, c.ID))
			resp.status = syncStatusRetry
			resp.moreAvail = false
			resp.commands = ""
			resp.syncKey = c.SyncKey.String()
			return resp, nil
		}
		return nil, err
	}

	resp.syncKey = newKey.String()
	cache.ConfirmKey(c.SyncKey)
	cache.PruneConfirmedKeys(newKey.UUID, activesync.MaxConfirmedKeys)
	cache.SetLastSyncKey(c.ID, newKey)
	logger.Debug(fmt.Sprintf("Synced collection: UserID=%v, DeviceID=%v, CollectionId=%v, commands=%v, newSyncKey=%v", user, deviceID, c.ID, n, newKey))

	return resp, nil
}

// bootstrapCollection handles a zero sync key: all stored state of the
// collection is discarded and a fresh lineage starts. No items are sent; the
// device fetches them with its next request.
func (r *handler) bootstrapCollection(cache *activesync.SyncCache, c *activesync.Collection, state *activesync.CollectionState, resp *collectionResp) (*collectionResp, error) {
	logger.Debug(fmt.Sprintf("Initial collection sync: UserID=%v, DeviceID=%v, CollectionId=%v", r.credential.UserID(), getDeviceID(r.req), c.ID))

	if c.GetChanges {
		// Protocol error. GetChanges should be false if the SyncKey is 0.
		resp.status = syncStatusProtocolError
		return resp, nil
	}

	if err := state.LoadState(activesync.SyncKey{}); err != nil {
		return nil, err
	}
	newKey, err := state.GetNewSyncKey()
	if err != nil {
		return nil, err
	}
	if err := state.Save(); err != nil {
		if err == activesync.ErrConcurrentModification {
			resp.status = syncStatusRetry
			return resp, nil
		}
		return nil, err
	}

	resp.syncKey = newKey.String()
	cache.SetLastSyncKey(c.ID, newKey)
	logger.Debug(fmt.Sprintf("New SyncKey = %v", newKey))

	return resp, nil
}

// replayCollection reproduces the response of an already confirmed round
// trip whose acknowledgment never arrived.
func (r *handler) replayCollection(store activesync.StateStore, c *activesync.Collection, lastKey activesync.SyncKey, resp *collectionResp) (*collectionResp, error) {
	logger.Debug(fmt.Sprintf("Replaying confirmed sync turn: UserID=%v, DeviceID=%v, CollectionId=%v, SyncKey=%v", r.credential.UserID(), getDeviceID(r.req), c.ID, lastKey))

	data, err := store.Load(lastKey, database.LockRead)
	if err != nil {
		return nil, err
	}

	var commands bytes.Buffer
	for _, change := range data.Sent {
		encoded, err := r.encodeChange(c, change)
		if err != nil {
			return nil, err
		}
		commands.WriteString(encoded)
	}
	resp.commands = commands.String()
	resp.syncKey = lastKey.String()
	resp.moreAvail = len(data.Pending) > 0

	return resp, nil
}

// applyFetches answers Fetch commands and rejects client-side item
// modifications, which this server does not support.
func (r *handler) applyFetches(c *activesync.Collection, req *SyncCollection, resp *collectionResp) (string, error) {
	if req == nil {
		return "", nil
	}

	var output bytes.Buffer
	for _, cmd := range req.Commands.Values {
		switch cmd.XMLName.Local {
		case "Fetch":
			uid, err := splitServerID(cmd.ServerId)
			if err != nil {
				output.WriteString(fmt.Sprintf("<Fetch><ServerId>%v</ServerId><Status>%v</Status></Fetch>", cmd.ServerId, syncStatusProtocolError))
				continue
			}
			payload, err := r.param.Driver.GetItem(r.credential, c.ID, uid)
			if err != nil {
				logger.Warning(fmt.Sprintf("Fetch failed: CollectionId=%v, ServerId=%v: %v", c.ID, cmd.ServerId, err))
				output.WriteString(fmt.Sprintf("<Fetch><ServerId>%v</ServerId><Status>%v</Status></Fetch>", cmd.ServerId, syncStatusNotFound))
				continue
			}
			output.WriteString(fmt.Sprintf("<Fetch><ServerId>%v</ServerId><Status>%v</Status>%v</Fetch>", cmd.ServerId, syncStatusOK, string(payload)))
		case "Add":
			output.WriteString(fmt.Sprintf("<Add><ClientId>%v</ClientId><Status>%v</Status></Add>", cmd.ClientId, syncStatusProtocolError))
		case "Change", "Delete":
			output.WriteString(fmt.Sprintf("<%v><ServerId>%v</ServerId><Status>%v</Status></%v>", cmd.XMLName.Local, cmd.ServerId, syncStatusProtocolError, cmd.XMLName.Local))
		default:
			// Ignore unknown commands
			logger.Error(fmt.Sprintf("applyFetches: unknown command: %v", cmd.XMLName.Local))
		}
	}

	return output.String(), nil
}

func (r *handler) encodeChange(c *activesync.Collection, change activesync.Change) (string, error) {
	serverID := fmt.Sprintf("%v:%v", c.ID, change.UID)
	switch change.Type {
	case activesync.ChangeAdd:
		payload, err := r.param.Driver.GetItem(r.credential, c.ID, change.UID)
		if err != nil {
			return "", fmt.Errorf("fetching item %v: %v", serverID, err)
		}
		return fmt.Sprintf("<Add><ServerId>%v</ServerId>%v</Add>", serverID, string(payload)), nil
	case activesync.ChangeChange:
		payload, err := r.param.Driver.GetItem(r.credential, c.ID, change.UID)
		if err != nil {
			return "", fmt.Errorf("fetching item %v: %v", serverID, err)
		}
		return fmt.Sprintf("<Change><ServerId>%v</ServerId>%v</Change>", serverID, string(payload)), nil
	case activesync.ChangeDelete:
		return fmt.Sprintf("<Delete><ServerId>%v</ServerId></Delete>", serverID), nil
	default:
		return "", fmt.Errorf("unknown change type: %v", change.Type)
	}
}

func splitServerID(serverID string) (uint32, error) {
	for i := len(serverID) - 1; i >= 0; i-- {
		if serverID[i] == ':' {
			uid, err := strconv.ParseUint(serverID[i+1:], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid serverID value: %v", serverID)
			}
			return uint32(uid), nil
		}
	}

	return 0, fmt.Errorf("invalid serverID value: %v", serverID)
}
