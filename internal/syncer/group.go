package syncer

import (
	"context"
	"fmt"

	"github.com/skychat/skychatd/internal/mlsengine"
)

// CreateGroup starts a new group locally and registers it with the ledger.
func (s *Syncer) CreateGroup(ctx context.Context, name string) ([]byte, error) {
	group, err := s.engine.CreateGroup()
	if err != nil {
		return nil, fmt.Errorf("syncer: create group: %w", err)
	}

	key := groupKey(group.GroupID())
	req := map[string]string{
		"group_id":   key,
		"group_name": name,
		"sender_id":  s.engine.Identity(),
	}
	if err := s.post(ctx, "/api/create_group", req, nil); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.groups[key] = group
	s.groupNameToID[name] = key
	s.mu.Unlock()

	s.appendTranscript(key, MessageItem{Text: SystemGroupCreated, SenderID: s.engine.Identity()})

	return group.GroupID(), nil
}

// CreateGroupWith creates a group and invites each of memberIDs into it in
// turn. A failure inviting one member is recorded as a system message
// against the group's transcript and does not abort the rest of the
// batch — every remaining member is still attempted.
func (s *Syncer) CreateGroupWith(ctx context.Context, name string, memberIDs []string) ([]byte, error) {
	gid, err := s.CreateGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	key := groupKey(gid)
	for _, id := range memberIDs {
		if err := s.Invite(ctx, gid, id); err != nil {
			s.appendTranscript(key, MessageItem{Text: systemInviteFailed(id, err), SenderID: s.engine.Identity()})
		}
	}
	return gid, nil
}

func (s *Syncer) lookupGroup(groupID []byte) (*mlsengine.Group, string, error) {
	key := groupKey(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[key]
	if !ok {
		return nil, key, fmt.Errorf("syncer: unknown group")
	}
	return g, key, nil
}

// Invite fetches userID's published KeyPackage and admits them into
// groupID, posting the resulting Welcome/Fanned pair to the ledger.
func (s *Syncer) Invite(ctx context.Context, groupID []byte, userID string) error {
	group, key, err := s.lookupGroup(groupID)
	if err != nil {
		return err
	}

	var wire map[string]string
	req := map[string][]string{"user_ids": {userID}}
	if err := s.post(ctx, "/api/get_user_keys", req, &wire); err != nil {
		return err
	}
	kpEncoded, ok := wire[userID]
	if !ok {
		return fmt.Errorf("syncer: user %q has no published key package", userID)
	}
	kpBytes, err := b64.DecodeString(kpEncoded)
	if err != nil {
		return fmt.Errorf("syncer: decode key package: %w", err)
	}
	kp, err := mlsengine.UnmarshalKeyPackage(kpBytes)
	if err != nil {
		return fmt.Errorf("syncer: parse key package: %w", err)
	}

	invite, err := group.AddMember(kp)
	if err != nil {
		return fmt.Errorf("syncer: add member: %w", err)
	}

	return s.postInvite(ctx, groupID, key, userID, invite)
}

// postInvite sends a finalized Invite (Welcome + Fanned) to the ledger for
// receiverID, advances the local index, and records the admission in the
// group's transcript. Used by both Invite and ApproveExternalJoin, the two
// paths that finalize an admission into a group.
func (s *Syncer) postInvite(ctx context.Context, groupID []byte, key, receiverID string, invite *mlsengine.Invite) error {
	groupName := s.groupNameFor(groupID)
	inviteReq := map[string]string{
		"group_id":        key,
		"sender_id":       s.engine.Identity(),
		"receiver_id":     receiverID,
		"group_name":      groupName,
		"welcome_message": b64.EncodeToString(invite.Welcome),
		"ratchet_tree":    b64.EncodeToString(invite.RatchetTree),
	}
	if invite.Fanned != nil {
		inviteReq["fanned"] = b64.EncodeToString(invite.Fanned)
	}
	if err := s.post(ctx, "/api/invite_user", inviteReq, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.localIndex[key]++
	s.mu.Unlock()

	s.appendTranscript(key, MessageItem{Text: systemMemberJoined(receiverID), SenderID: s.engine.Identity()})
	return nil
}

func (s *Syncer) groupNameFor(groupID []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(groupID)
	for name, id := range s.groupNameToID {
		if id == key {
			return name
		}
	}
	return ""
}

// RemoveMember evicts ref from groupID. Per spec §4.4 there is no Welcome
// for a removal: the resulting Fanned commit is posted through the same
// index-gated /api/send_message path an application message uses, not
// /api/invite_user.
func (s *Syncer) RemoveMember(ctx context.Context, groupID []byte, ref mlsengine.MemberRef) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	group, key, err := s.lookupGroup(groupID)
	if err != nil {
		return err
	}
	fanned, err := group.RemoveMember(ref)
	if err != nil {
		return fmt.Errorf("syncer: remove member: %w", err)
	}
	if _, err := s.postAtNextIndex(ctx, key, fanned); err != nil {
		return fmt.Errorf("syncer: post removal: %w", err)
	}
	return nil
}

// RequestExternalJoin broadcasts a proposal to join groupID, a group this
// client is not yet a member of. It has no local index for the group, so it
// queries the ledger's authoritative index directly rather than going
// through Sync. Any current member observes the proposal on their next Poll
// and can finalize it with ApproveExternalJoin.
func (s *Syncer) RequestExternalJoin(ctx context.Context, groupID []byte) error {
	proposal, err := s.engine.RequestExternalJoin()
	if err != nil {
		return fmt.Errorf("syncer: build external join proposal: %w", err)
	}

	key := groupKey(groupID)
	var authoritative uint64
	idxReq := map[string]string{"group_id": key, "sender_id": s.engine.Identity()}
	if err := s.post(ctx, "/api/group_index", idxReq, &authoritative); err != nil {
		return fmt.Errorf("syncer: fetch group index: %w", err)
	}

	sendReq := map[string]any{
		"group_id":     key,
		"sender_id":    s.engine.Identity(),
		"message":      b64.EncodeToString(proposal),
		"global_index": authoritative + 1,
	}
	if err := s.post(ctx, "/api/send_message", sendReq, nil); err != nil {
		return fmt.Errorf("syncer: post external join proposal: %w", err)
	}
	return nil
}

// ApproveExternalJoin finalizes a pending external-join proposal from
// identity, previously surfaced by Poll, admitting identity into groupID
// exactly as Invite would and posting the resulting Invite via
// /api/invite_user.
func (s *Syncer) ApproveExternalJoin(ctx context.Context, groupID []byte, identity string) error {
	key := groupKey(groupID)

	s.mu.Lock()
	var kp *mlsengine.KeyPackage
	at := -1
	for i, p := range s.pendingJoins {
		if p.GroupKey == key && p.Identity == identity {
			kp, at = p.KeyPackage, i
			break
		}
	}
	if at >= 0 {
		s.pendingJoins = append(s.pendingJoins[:at], s.pendingJoins[at+1:]...)
	}
	s.mu.Unlock()
	if kp == nil {
		return fmt.Errorf("syncer: no pending external join proposal from %q for this group", identity)
	}

	group, _, err := s.lookupGroup(groupID)
	if err != nil {
		return err
	}
	invite, err := group.AddMemberFromProposal(kp)
	if err != nil {
		return fmt.Errorf("syncer: finalize external join: %w", err)
	}
	return s.postInvite(ctx, groupID, key, identity, invite)
}

// AcceptAllInvites finalizes every pending Welcome the client has
// accumulated via Poll, admitting the client into each described group
// and acknowledging acceptance to the ledger.
func (s *Syncer) AcceptAllInvites(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pendingInvites
	s.pendingInvites = nil
	s.mu.Unlock()

	for _, inv := range pending {
		group, err := s.engine.ProcessInvite(inv.welcome)
		if err != nil {
			return fmt.Errorf("syncer: process invite for %q: %w", inv.GroupName, err)
		}

		key := groupKey(group.GroupID())
		req := map[string]string{
			"group_id":  key,
			"sender_id": s.engine.Identity(),
		}
		if err := s.post(ctx, "/api/accept_invite", req, nil); err != nil {
			return err
		}

		s.mu.Lock()
		s.groups[key] = group
		s.groupNameToID[inv.GroupName] = key
		// The fanned commit at inv.atIndex was encrypted under the
		// pre-join epoch secret and is not decryptable with the epoch
		// this Welcome just handed us — start just past it so the next
		// Sync never tries to reprocess our own admitting commit.
		s.localIndex[key] = inv.atIndex
		s.mu.Unlock()
	}
	return nil
}
