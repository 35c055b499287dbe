// Package syncer implements the Client Synchronizer: the glue between a
// client's Cryptographic Engine and the server's wire transport. It owns
// the mandatory sync-before-send precondition, self-echo filtering on
// poll, and the resync-and-retry behavior around index races — the same
// responsibilities original_source/src/convo/client.rs's ConvoClient
// carries (sync_group, send_message, check_incoming_messages).
package syncer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/skychat/skychatd/internal/mlsengine"
)

// System messages surfaced to the caller, unchanged in wording from the
// protocol they're grounded on.
const (
	SystemGroupCreated        = "<group_created>"
	SystemMessageFailedToSend = "<message_failed_to_send>"
)

// systemMemberJoined formats the "<X joined>" system message recorded
// against a group's transcript when a member is successfully admitted.
func systemMemberJoined(identity string) string {
	return fmt.Sprintf("<%s joined>", identity)
}

// systemInviteFailed formats the "<error_...>" system message recorded
// when CreateGroupWith fails to admit one of its requested members but
// continues on to the rest of the batch.
func systemInviteFailed(identity string, err error) string {
	return fmt.Sprintf("<error_invite_failed: %s: %v>", identity, err)
}

// b64 is the base64 alphabet used on the wire: URL-safe, per spec §6 ("all
// byte blobs are URL-safe base64"); see internal/transport's b64 for the
// grounding. The client and server must agree on this alphabet since they
// exchange the same JSON fields.
var b64 = base64.URLEncoding

// groupKey returns the map key this package uses internally to index a
// group by its raw ID, and is also the string sent on the wire in
// "group_id" fields.
func groupKey(groupID []byte) string { return b64.EncodeToString(groupID) }

func decodeGroupKey(key string) ([]byte, error) { return b64.DecodeString(key) }

// UserRecord is the client-side view of a connected user, as returned by
// ListUsers.
type UserRecord struct {
	UserID     string
	Name       string
	KeyPackage []byte
}

// Event is one delivered application message, already decrypted. TimestampMs
// is the server-assigned ledger timestamp converted to milliseconds — per
// spec §9's Clock-skew note, this is the authoritative value a client
// displays, not a locally generated one.
type Event struct {
	GroupID     string // base64
	SenderID    string
	Plaintext   []byte
	TimestampMs int64
}

// MessageItem is one entry in a group's client-side transcript: either a
// delivered application message or a system message such as
// SystemGroupCreated, matching spec §3's MessageItem{text, sender_id,
// timestamp_ms} model.
type MessageItem struct {
	Text        string
	SenderID    string
	TimestampMs int64
}

// PendingInvite is a Welcome the client has received but not yet
// accepted. Acceptance is always an explicit caller decision — Poll never
// auto-accepts, matching original_source's commented-out auto-accept path
// in ConvoClient::process_new_messages.
type PendingInvite struct {
	GroupName   string
	SenderID    string
	welcome     []byte
	ratchetTree []byte
	atIndex     uint64
}

// PendingExternalJoin is an external-join proposal a member has observed on
// a group's log but not yet finalized, awaiting an explicit
// ApproveExternalJoin call from the caller.
type PendingExternalJoin struct {
	GroupKey   string
	Identity   string
	KeyPackage *mlsengine.KeyPackage
}

// Syncer is one connected client: its Cryptographic Engine, the set of
// groups it has joined, and the locally cached per-group index used to
// gate sends.
type Syncer struct {
	engine    *mlsengine.Engine
	serverURL string
	http      *http.Client

	mu             sync.Mutex
	groups         map[string]*mlsengine.Group // key: groupKey(group id)
	localIndex     map[string]uint64
	groupNameToID  map[string]string
	pendingInvites []PendingInvite
	pendingJoins   []PendingExternalJoin
	transcripts    map[string][]MessageItem // key: groupKey(group id)
}

// New constructs a Syncer bound to engine and talking to serverURL.
func New(engine *mlsengine.Engine, serverURL string) *Syncer {
	return &Syncer{
		engine:        engine,
		serverURL:     serverURL,
		http:          &http.Client{},
		groups:        make(map[string]*mlsengine.Group),
		localIndex:    make(map[string]uint64),
		groupNameToID: make(map[string]string),
		transcripts:   make(map[string][]MessageItem),
	}
}

// AdoptGroup registers a group the caller already holds (e.g. restored
// from the keystore) under the given local name.
func (s *Syncer) AdoptGroup(name string, g *mlsengine.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(g.GroupID())
	s.groups[key] = g
	s.groupNameToID[name] = key
}

// Transcript returns the accumulated MessageItem history for groupID,
// including both delivered application messages and system messages.
func (s *Syncer) Transcript(groupID []byte) []MessageItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.transcripts[groupKey(groupID)]
	out := make([]MessageItem, len(items))
	copy(out, items)
	return out
}

// appendTranscript records item against groupID's transcript. Callers hold
// no lock; appendTranscript takes it itself.
func (s *Syncer) appendTranscript(groupKeyStr string, item MessageItem) {
	s.mu.Lock()
	s.transcripts[groupKeyStr] = append(s.transcripts[groupKeyStr], item)
	s.mu.Unlock()
}

func (s *Syncer) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("syncer: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("syncer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Syncer) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("syncer: build request: %w", err)
	}
	return s.do(req, out)
}

// ServerError is returned when the ledger rejects a request, carrying the
// machine-readable error code from the JSON envelope (e.g. "index_stale").
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("syncer: server error %s: %s", e.Code, e.Message)
}

func (s *Syncer) do(req *http.Request, out any) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("syncer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&envelope)
		return &ServerError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("syncer: decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("syncer: decode response data: %w", err)
	}
	return nil
}

// Connect publishes this client's identity and current KeyPackage to the
// Group Ledger.
func (s *Syncer) Connect(ctx context.Context) error {
	kp, err := s.engine.KeyPackage()
	if err != nil {
		return fmt.Errorf("syncer: issue key package: %w", err)
	}
	req := map[string]string{
		"user_id":                s.engine.Identity(),
		"name":                   s.engine.Identity(),
		"serialized_key_package": b64.EncodeToString(kp.Marshal()),
	}
	return s.post(ctx, "/api/connect", req, nil)
}

// ListUsers returns every user currently connected to the ledger.
func (s *Syncer) ListUsers(ctx context.Context) ([]UserRecord, error) {
	var wire []struct {
		UserID               string `json:"user_id"`
		Name                 string `json:"name"`
		SerializedKeyPackage string `json:"serialized_key_package"`
	}
	if err := s.get(ctx, "/api/list_users", &wire); err != nil {
		return nil, err
	}
	out := make([]UserRecord, len(wire))
	for i, u := range wire {
		kp, err := b64.DecodeString(u.SerializedKeyPackage)
		if err != nil {
			return nil, fmt.Errorf("syncer: decode key package for %q: %w", u.UserID, err)
		}
		out[i] = UserRecord{UserID: u.UserID, Name: u.Name, KeyPackage: kp}
	}
	return out, nil
}
