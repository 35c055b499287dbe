// Package ledger implements the Group Ledger: the server's single source
// of truth for connected users and group message logs. All state lives in
// memory behind one mutex — there is no I/O while the lock is held, and no
// persistence layer beneath it (spec §5; grounded on
// original_source/src/convo/server.rs's plain HashMap-based ConvoServer).
package ledger

import (
	"sync"
	"time"

	"github.com/skychat/skychatd/internal/models"
)

// InviteEntry carries a Welcome addressed to exactly one recipient,
// together with the ratchet tree needed to reconstruct group state.
type InviteEntry struct {
	GroupName   string
	Welcome     []byte
	RatchetTree []byte
}

// LedgerEntry is one append-only record in a group's log, or in a user's
// mailbox. Exactly one of Message or Invite is populated.
type LedgerEntry struct {
	GroupID   string
	Index     uint64
	SenderID  string
	Message   []byte
	Invite    *InviteEntry
	Timestamp time.Time
}

// serverGroup is the ledger's server-side view of one group: its member
// roster (by identity, not by cryptographic leaf index — the ledger never
// inspects ciphertext) and its append-only entry log.
type serverGroup struct {
	groupID []byte
	name    string
	index   uint64
	members map[string]bool
	entries []LedgerEntry
}

// Ledger is the Group Ledger. Zero value is not usable; use New.
type Ledger struct {
	mu      sync.Mutex
	users   map[string]models.UserRecord
	groups  map[string]*serverGroup
	mailbox map[string][]LedgerEntry
	now     func() time.Time
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		users:   make(map[string]models.UserRecord),
		groups:  make(map[string]*serverGroup),
		mailbox: make(map[string][]LedgerEntry),
		now:     time.Now,
	}
}

// RegisterUser records a user's identity and currently published key
// package, updating its liveness timestamp. A second call for the same
// user ID replaces the prior key package, matching
// original_source::client_connect.
func (l *Ledger) RegisterUser(userID, name string, keyPackage []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.users[userID] = models.UserRecord{
		UserID:     userID,
		Name:       name,
		KeyPackage: keyPackage,
		LastActive: l.now(),
	}
}

// ListUsers returns every currently connected user.
func (l *Ledger) ListUsers() []models.UserRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.UserRecord, 0, len(l.users))
	for _, u := range l.users {
		out = append(out, u)
	}
	return out
}

// FetchKeyPackages returns the published key package for each requested
// user ID. It fails with ErrUserUnknown if any ID is not connected, so a
// caller inviting several people at once gets an all-or-nothing result
// rather than a partial roster.
func (l *Ledger) FetchKeyPackages(userIDs []string) (map[string][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]byte, len(userIDs))
	for _, id := range userIDs {
		u, ok := l.users[id]
		if !ok {
			return nil, ErrUserUnknown
		}
		out[id] = u.KeyPackage
	}
	return out, nil
}

// CreateGroup registers a brand-new group owned initially by creatorID.
func (l *Ledger) CreateGroup(groupID []byte, name, creatorID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(groupID)
	if _, exists := l.groups[key]; exists {
		return ErrGroupExists
	}
	l.groups[key] = &serverGroup{
		groupID: groupID,
		name:    name,
		index:   0,
		members: map[string]bool{creatorID: true},
		entries: nil,
	}
	return nil
}

// PostInvite appends one fanned commit entry (if provided) to the group
// log, advancing the group index exactly once, and files a Welcome into
// the receiver's mailbox at that same post-advance index. This departs
// from original_source's double index-advance (see design notes): a
// single commit should produce a single index step regardless of how many
// ledger rows it touches.
func (l *Ledger) PostInvite(groupID []byte, senderID, receiverID, groupName string, welcome, ratchetTree, fanned []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[string(groupID)]
	if !ok {
		return ErrGroupUnknown
	}

	if fanned != nil {
		g.index++
		entry := LedgerEntry{
			GroupID:   string(groupID),
			Index:     g.index,
			SenderID:  senderID,
			Message:   fanned,
			Timestamp: l.now(),
		}
		g.entries = append(g.entries, entry)
	}

	l.mailbox[receiverID] = append(l.mailbox[receiverID], LedgerEntry{
		GroupID:  string(groupID),
		Index:    g.index,
		SenderID: senderID,
		Invite: &InviteEntry{
			GroupName:   groupName,
			Welcome:     welcome,
			RatchetTree: ratchetTree,
		},
		Timestamp: l.now(),
	})

	return nil
}

// AcceptInvite adds userID to the group's membership and drops any invites
// for this group still queued in userID's mailbox. Invites for other
// groups stay queued for the user's next Poll.
func (l *Ledger) AcceptInvite(groupID []byte, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[string(groupID)]
	if !ok {
		return ErrGroupUnknown
	}
	g.members[userID] = true

	var kept []LedgerEntry
	for _, e := range l.mailbox[userID] {
		if e.GroupID != string(groupID) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(l.mailbox, userID)
	} else {
		l.mailbox[userID] = kept
	}
	return nil
}

// PostMessage appends a ciphertext to the group log if expectedIndex is
// exactly the group's current index plus one. Any other value is
// rejected: a higher value means the caller is ahead of the ledger
// (ErrIndexAhead, should not happen for a well-behaved client), a lower or
// equal value means the caller is behind and must sync first
// (ErrIndexStale).
func (l *Ledger) PostMessage(groupID []byte, senderID string, ciphertext []byte, expectedIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[string(groupID)]
	if !ok {
		return ErrGroupUnknown
	}

	correct := g.index + 1
	switch {
	case expectedIndex == correct:
		g.index = correct
		g.entries = append(g.entries, LedgerEntry{
			GroupID:   string(groupID),
			Index:     correct,
			SenderID:  senderID,
			Message:   ciphertext,
			Timestamp: l.now(),
		})
		return nil
	case expectedIndex > correct:
		return ErrIndexAhead
	default:
		return ErrIndexStale
	}
}

// GroupIndex returns a group's current index.
func (l *Ledger) GroupIndex(groupID []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[string(groupID)]
	if !ok {
		return 0, ErrGroupUnknown
	}
	return g.index, nil
}

// Poll returns every group-log entry with an index greater than
// sinceIndex, concatenated with the caller's pending mailbox entries, and
// then drains the mailbox so each invite is delivered exactly once. It
// also refreshes the caller's liveness timestamp.
func (l *Ledger) Poll(userID string, groupID []byte, sinceIndex uint64) ([]LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u, ok := l.users[userID]; ok {
		u.LastActive = l.now()
		l.users[userID] = u
	}

	var out []LedgerEntry
	if groupID != nil {
		g, ok := l.groups[string(groupID)]
		if !ok {
			return nil, ErrGroupUnknown
		}
		for _, e := range g.entries {
			if e.Index > sinceIndex {
				out = append(out, e)
			}
		}
	}

	if pending, ok := l.mailbox[userID]; ok {
		out = append(out, pending...)
		delete(l.mailbox, userID)
	}

	return out, nil
}

// ReapInactive removes every user whose last-seen timestamp is older than
// threshold, returning the number removed.
func (l *Ledger) ReapInactive(threshold time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, u := range l.users {
		if u.IsStale(now, threshold) {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}
