package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hivemail/hivesync/backend"
)

// MockDriver is an in-memory backend.Driver. Tests mutate the mailbox
// content between sync turns with Put, SetFlags and Remove.
type MockDriver struct {
	mu      sync.Mutex
	folders []backend.FolderInfo
	boxes   map[string]*mailbox
	modseq  bool
}

type mailbox struct {
	uidValidity uint64
	uidNext     uint64
	modSeq      uint64
	messages    map[uint32]map[string]bool
	// changed tracks the modseq at which each message last changed.
	changed  map[uint32]uint64
	vanished map[uint32]uint64
}

// New returns a driver whose folders all report MODSEQ support when modseq
// is true.
func New(modseq bool, folders ...backend.FolderInfo) *MockDriver {
	d := &MockDriver{
		folders: folders,
		boxes:   make(map[string]*mailbox),
		modseq:  modseq,
	}
	for _, f := range folders {
		d.boxes[f.ID] = &mailbox{
			uidValidity: 1,
			uidNext:     1,
			modSeq:      1,
			messages:    make(map[uint32]map[string]bool),
			changed:     make(map[uint32]uint64),
			vanished:    make(map[uint32]uint64),
		}
	}

	return d
}

func (r *MockDriver) Folders(c backend.Credential) ([]backend.FolderInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]backend.FolderInfo(nil), r.folders...), nil
}

func (r *MockDriver) StatFolder(c backend.Credential, folderID string) (backend.FolderStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box, err := r.box(folderID)
	if err != nil {
		return backend.FolderStat{}, err
	}
	stat := backend.FolderStat{
		UIDValidity: box.uidValidity,
		UIDNext:     box.uidNext,
	}
	if r.modseq {
		stat.ModSeq = box.modSeq
	}

	return stat, nil
}

func (r *MockDriver) ListMessages(c backend.Credential, folderID string, sinceModSeq uint64) (backend.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box, err := r.box(folderID)
	if err != nil {
		return backend.Listing{}, err
	}

	if sinceModSeq == 0 || !r.modseq {
		listing := backend.Listing{Full: true}
		for _, uid := range sortedUIDs(box.messages) {
			listing.Messages = append(listing.Messages, backend.Message{UID: uid, Flags: copyFlags(box.messages[uid])})
		}
		return listing, nil
	}

	var listing backend.Listing
	for _, uid := range sortedUIDs(box.messages) {
		if box.changed[uid] <= sinceModSeq {
			continue
		}
		msg := backend.Message{UID: uid, Flags: copyFlags(box.messages[uid])}
		listing.Messages = append(listing.Messages, msg)
		listing.New = append(listing.New, msg)
	}
	for uid, seq := range box.vanished {
		if seq > sinceModSeq {
			listing.Vanished = append(listing.Vanished, uid)
		}
	}
	sort.Slice(listing.Vanished, func(i, j int) bool { return listing.Vanished[i] < listing.Vanished[j] })

	return listing, nil
}

func (r *MockDriver) GetItem(c backend.Credential, folderID string, uid uint32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box, err := r.box(folderID)
	if err != nil {
		return nil, err
	}
	if _, ok := box.messages[uid]; !ok {
		return nil, fmt.Errorf("no such message: %v", uid)
	}

	return []byte(fmt.Sprintf("<ApplicationData><Subject>msg-%v</Subject></ApplicationData>", uid)), nil
}

// Put appends a new message and returns its UID.
func (r *MockDriver) Put(folderID string, flags map[string]bool) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.boxes[folderID]
	uid := uint32(box.uidNext)
	box.uidNext++
	box.modSeq++
	box.messages[uid] = copyFlags(flags)
	box.changed[uid] = box.modSeq

	return uid
}

func (r *MockDriver) SetFlags(folderID string, uid uint32, flags map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.boxes[folderID]
	box.modSeq++
	box.messages[uid] = copyFlags(flags)
	box.changed[uid] = box.modSeq
}

func (r *MockDriver) Remove(folderID string, uid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.boxes[folderID]
	box.modSeq++
	delete(box.messages, uid)
	delete(box.changed, uid)
	box.vanished[uid] = box.modSeq
}

// ResetUIDValidity bumps the folder epoch, simulating a mailbox rebuild.
func (r *MockDriver) ResetUIDValidity(folderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.boxes[folderID]
	box.uidValidity++
	box.modSeq++
}

func (r *MockDriver) box(folderID string) (*mailbox, error) {
	box, ok := r.boxes[folderID]
	if !ok {
		return nil, fmt.Errorf("no such folder: %v", folderID)
	}

	return box, nil
}

func sortedUIDs(messages map[uint32]map[string]bool) []uint32 {
	uids := make([]uint32, 0, len(messages))
	for uid := range messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return uids
}

func copyFlags(flags map[string]bool) map[string]bool {
	c := make(map[string]bool, len(flags))
	for k, v := range flags {
		c[k] = v
	}

	return c
}
