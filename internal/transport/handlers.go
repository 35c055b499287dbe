package transport

import (
	"encoding/base64"
	"net/http"

	"github.com/skychat/skychatd/internal/ledger"
)

// b64 is the base64 alphabet used on the wire: URL-safe, per spec §6
// ("all byte blobs are URL-safe base64"), matching
// original_source/core/core/src/utils.rs's BufferConverter::to_base64
// (general_purpose::URL_SAFE) rather than the demo server's STANDARD
// encoder.
var b64 = base64.URLEncoding

func decodeB64(s string) ([]byte, error) { return b64.DecodeString(s) }

// connectRequest registers a user and its currently published key package.
type connectRequest struct {
	UserID                string `json:"user_id"`
	Name                  string `json:"name"`
	SerializedKeyPackage  string `json:"serialized_key_package"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kp, err := decodeB64(req.SerializedKeyPackage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid key package encoding")
		return
	}
	s.ledger.RegisterUser(req.UserID, req.Name, kp)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type userResponse struct {
	UserID               string `json:"user_id"`
	Name                 string `json:"name"`
	SerializedKeyPackage string `json:"serialized_key_package"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users := s.ledger.ListUsers()
	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = userResponse{UserID: u.UserID, Name: u.Name, SerializedKeyPackage: b64.EncodeToString(u.KeyPackage)}
	}
	writeJSON(w, http.StatusOK, out)
}

type getUserKeysRequest struct {
	UserIDs []string `json:"user_ids"`
}

func (s *Server) handleGetUserKeys(w http.ResponseWriter, r *http.Request) {
	var req getUserKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kps, err := s.ledger.FetchKeyPackages(req.UserIDs)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_unknown", err.Error())
		return
	}
	out := make(map[string]string, len(kps))
	for id, kp := range kps {
		out[id] = b64.EncodeToString(kp)
	}
	writeJSON(w, http.StatusOK, out)
}

type createGroupRequest struct {
	GroupID    string `json:"group_id"`
	GroupName  string `json:"group_name"`
	SenderID   string `json:"sender_id"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gid, err := decodeB64(req.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid group id encoding")
		return
	}
	if err := s.ledger.CreateGroup(gid, req.GroupName, req.SenderID); err != nil {
		writeError(w, http.StatusConflict, "group_exists", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type inviteUserRequest struct {
	GroupID        string `json:"group_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	GroupName      string `json:"group_name"`
	WelcomeMessage string `json:"welcome_message"`
	RatchetTree    string `json:"ratchet_tree"`
	Fanned         string `json:"fanned,omitempty"`
}

func (s *Server) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	var req inviteUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gid, err1 := decodeB64(req.GroupID)
	welcome, err2 := decodeB64(req.WelcomeMessage)
	tree, err3 := decodeB64(req.RatchetTree)
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid base64 field")
		return
	}
	var fanned []byte
	if req.Fanned != "" {
		fanned, err1 = decodeB64(req.Fanned)
		if err1 != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid fanned encoding")
			return
		}
	}
	if err := s.ledger.PostInvite(gid, req.SenderID, req.ReceiverID, req.GroupName, welcome, tree, fanned); err != nil {
		writeError(w, http.StatusNotFound, "group_unknown", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type acceptInviteRequest struct {
	GroupID  string `json:"group_id"`
	SenderID string `json:"sender_id"`
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gid, err := decodeB64(req.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid group id encoding")
		return
	}
	if err := s.ledger.AcceptInvite(gid, req.SenderID); err != nil {
		writeError(w, http.StatusNotFound, "group_unknown", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendMessageRequest struct {
	GroupID     string `json:"group_id"`
	SenderID    string `json:"sender_id"`
	Message     string `json:"message"`
	GlobalIndex uint64 `json:"global_index"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gid, err := decodeB64(req.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid group id encoding")
		return
	}
	msg, err := decodeB64(req.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message encoding")
		return
	}
	err = s.ledger.PostMessage(gid, req.SenderID, msg, req.GlobalIndex)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case ledger.ErrIndexStale:
		writeError(w, http.StatusConflict, "index_stale", err.Error())
	case ledger.ErrIndexAhead:
		writeError(w, http.StatusConflict, "index_ahead", err.Error())
	case ledger.ErrGroupUnknown:
		writeError(w, http.StatusNotFound, "group_unknown", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type getNewMessagesRequest struct {
	GroupID  *string `json:"group_id"`
	SenderID string  `json:"sender_id"`
	Index    uint64  `json:"index"`
}

type messageResponse struct {
	GlobalIndex   uint64      `json:"global_index"`
	SenderID      string      `json:"sender_id"`
	UnixTimestamp int64       `json:"unix_timestamp"`
	Message       *string     `json:"message,omitempty"`
	Invite        *inviteWire `json:"invite,omitempty"`
}

type inviteWire struct {
	GroupName      string `json:"group_name"`
	WelcomeMessage string `json:"welcome_message"`
	RatchetTree    string `json:"ratchet_tree"`
}

func (s *Server) handleGetNewMessages(w http.ResponseWriter, r *http.Request) {
	var req getNewMessagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var gid []byte
	if req.GroupID != nil {
		decoded, err := decodeB64(*req.GroupID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid group id encoding")
			return
		}
		gid = decoded
	}

	entries, err := s.ledger.Poll(req.SenderID, gid, req.Index)
	if err != nil {
		writeError(w, http.StatusNotFound, "group_unknown", err.Error())
		return
	}

	out := make([]messageResponse, len(entries))
	for i, e := range entries {
		resp := messageResponse{GlobalIndex: e.Index, SenderID: e.SenderID, UnixTimestamp: e.Timestamp.Unix()}
		if e.Message != nil {
			m := b64.EncodeToString(e.Message)
			resp.Message = &m
		}
		if e.Invite != nil {
			resp.Invite = &inviteWire{
				GroupName:      e.Invite.GroupName,
				WelcomeMessage: b64.EncodeToString(e.Invite.Welcome),
				RatchetTree:    b64.EncodeToString(e.Invite.RatchetTree),
			}
		}
		out[i] = resp
	}
	writeJSON(w, http.StatusOK, out)
}

type groupIndexRequest struct {
	GroupID  string `json:"group_id"`
	SenderID string `json:"sender_id"`
}

func (s *Server) handleGroupIndex(w http.ResponseWriter, r *http.Request) {
	var req groupIndexRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gid, err := decodeB64(req.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid group id encoding")
		return
	}
	idx, err := s.ledger.GroupIndex(gid)
	if err != nil {
		writeError(w, http.StatusNotFound, "group_unknown", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, idx)
}
