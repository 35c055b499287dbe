package syncer

import (
	"context"
	"errors"
	"fmt"
)

type wireMessage struct {
	GlobalIndex   uint64  `json:"global_index"`
	SenderID      string  `json:"sender_id"`
	UnixTimestamp int64   `json:"unix_timestamp"`
	Message       *string `json:"message,omitempty"`
	Invite        *struct {
		GroupName      string `json:"group_name"`
		WelcomeMessage string `json:"welcome_message"`
		RatchetTree    string `json:"ratchet_tree"`
	} `json:"invite,omitempty"`
}

// Poll fetches new ledger entries for every joined group and the client's
// mailbox, decrypting application messages and staging any commits the
// group's current epoch can process. Entries sent by the local identity
// are dropped from the returned Event stream (self-echo filtering) but
// still advance the locally tracked index. Welcomes are never
// auto-accepted — they accumulate as pending invites for the caller to
// resolve via AcceptAllInvites. External-join proposals observed on a
// group's log accumulate as pending joins for the caller to resolve via
// ApproveExternalJoin.
func (s *Syncer) Poll(ctx context.Context) ([]Event, error) {
	var events []Event

	// A Welcome for a group the client hasn't joined yet lives only in the
	// mailbox, not under any group's own log, so it must be drained with a
	// group-less request before any per-group polling below.
	if err := s.drainMailbox(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	groupKeys := make([]string, 0, len(s.groups))
	for k := range s.groups {
		groupKeys = append(groupKeys, k)
	}
	s.mu.Unlock()

	for _, key := range groupKeys {
		gid, err := decodeGroupKey(key)
		if err != nil {
			return nil, fmt.Errorf("syncer: decode group key: %w", err)
		}

		s.mu.Lock()
		group := s.groups[key]
		sinceIndex := s.localIndex[key]
		s.mu.Unlock()

		var wire []wireMessage
		req := map[string]any{
			"group_id":  groupKey(gid),
			"sender_id": s.engine.Identity(),
			"index":     sinceIndex,
		}
		if err := s.post(ctx, "/api/get_new_messages", req, &wire); err != nil {
			return nil, err
		}

		for _, m := range wire {
			if m.GlobalIndex > sinceIndex {
				sinceIndex = m.GlobalIndex
			}

			switch {
			case m.Invite != nil:
				if err := s.queuePendingInvite(m); err != nil {
					return nil, err
				}

			case m.Message != nil:
				if m.SenderID == s.engine.Identity() {
					continue // self-echo: drop from the delivered stream
				}
				ct, err := b64.DecodeString(*m.Message)
				if err != nil {
					return nil, fmt.Errorf("syncer: decode message: %w", err)
				}
				outcome, err := group.ProcessMessage(ct)
				if err != nil {
					return nil, fmt.Errorf("syncer: process message in group %q: %w", key, err)
				}
				switch {
				case outcome.ApplicationMessage != nil:
					tsMs := m.UnixTimestamp * 1000
					events = append(events, Event{
						GroupID:     key,
						SenderID:    m.SenderID,
						Plaintext:   outcome.ApplicationMessage,
						TimestampMs: tsMs,
					})
					s.appendTranscript(key, MessageItem{
						Text:        string(outcome.ApplicationMessage),
						SenderID:    m.SenderID,
						TimestampMs: tsMs,
					})
				case outcome.ExternalJoinProposal != nil:
					s.mu.Lock()
					s.pendingJoins = append(s.pendingJoins, PendingExternalJoin{
						GroupKey:   key,
						Identity:   outcome.ExternalJoinProposal.Identity,
						KeyPackage: outcome.ExternalJoinProposal,
					})
					s.mu.Unlock()
				}
			}
		}

		s.mu.Lock()
		s.localIndex[key] = sinceIndex
		s.mu.Unlock()
	}

	return events, nil
}

// queuePendingInvite decodes a wire invite and appends it to the pending
// list for AcceptAllInvites to resolve later.
func (s *Syncer) queuePendingInvite(m wireMessage) error {
	welcome, err := b64.DecodeString(m.Invite.WelcomeMessage)
	if err != nil {
		return fmt.Errorf("syncer: decode welcome: %w", err)
	}
	tree, err := b64.DecodeString(m.Invite.RatchetTree)
	if err != nil {
		return fmt.Errorf("syncer: decode ratchet tree: %w", err)
	}
	s.mu.Lock()
	s.pendingInvites = append(s.pendingInvites, PendingInvite{
		GroupName:   m.Invite.GroupName,
		SenderID:    m.SenderID,
		welcome:     welcome,
		ratchetTree: tree,
		atIndex:     m.GlobalIndex,
	})
	s.mu.Unlock()
	return nil
}

// drainMailbox fetches messages addressed to this identity with no group
// attached — the only way to learn about a Welcome for a group not yet
// joined, since such a group has no local log to poll.
func (s *Syncer) drainMailbox(ctx context.Context) error {
	var wire []wireMessage
	req := map[string]any{"sender_id": s.engine.Identity()}
	if err := s.post(ctx, "/api/get_new_messages", req, &wire); err != nil {
		return err
	}
	for _, m := range wire {
		if m.Invite != nil {
			if err := s.queuePendingInvite(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sync polls for new entries across every group, then overwrites the
// locally cached index for each with the ledger's authoritative value.
// This is the mandatory precondition before any Send: a client that skips
// it risks posting at a stale index and getting rejected.
func (s *Syncer) Sync(ctx context.Context) error {
	if _, err := s.Poll(ctx); err != nil {
		return fmt.Errorf("syncer: sync: %w", err)
	}

	s.mu.Lock()
	groupKeys := make([]string, 0, len(s.groups))
	for k := range s.groups {
		groupKeys = append(groupKeys, k)
	}
	s.mu.Unlock()

	for _, key := range groupKeys {
		var authoritative uint64
		req := map[string]string{
			"group_id":  key,
			"sender_id": s.engine.Identity(),
		}
		if err := s.post(ctx, "/api/group_index", req, &authoritative); err != nil {
			return fmt.Errorf("syncer: fetch group index: %w", err)
		}

		s.mu.Lock()
		s.localIndex[key] = authoritative
		s.mu.Unlock()
	}

	return nil
}

// Send synchronizes, encrypts plaintext under groupID's current epoch,
// and posts it at the next expected index. If the ledger rejects the
// index as stale or ahead, Send resyncs once and retries; a second
// failure surfaces SystemMessageFailedToSend against the group's
// transcript. On success, plaintext itself is recorded as a MessageItem in
// the sender's own transcript, since Poll never re-delivers a self-echoed
// message.
func (s *Syncer) Send(ctx context.Context, groupID, plaintext []byte) error {
	key := groupKey(groupID)

	if err := s.Sync(ctx); err != nil {
		return err
	}

	if err := s.sendOnce(ctx, groupID, plaintext); err != nil {
		if !isIndexRace(err) {
			return err
		}
		if err := s.Sync(ctx); err != nil {
			return err
		}
		if err := s.sendOnce(ctx, groupID, plaintext); err != nil {
			s.appendTranscript(key, MessageItem{Text: SystemMessageFailedToSend, SenderID: s.engine.Identity()})
			return fmt.Errorf("%s: %w", SystemMessageFailedToSend, err)
		}
	}

	s.appendTranscript(key, MessageItem{Text: string(plaintext), SenderID: s.engine.Identity()})
	return nil
}

func (s *Syncer) sendOnce(ctx context.Context, groupID, plaintext []byte) error {
	group, key, err := s.lookupGroup(groupID)
	if err != nil {
		return err
	}

	ct, err := group.CreateMessage(plaintext)
	if err != nil {
		return fmt.Errorf("syncer: encrypt message: %w", err)
	}

	_, err = s.postAtNextIndex(ctx, key, ct)
	return err
}

// postAtNextIndex posts ciphertext to /api/send_message at one past the
// locally cached index for key, and advances that index on success. Shared
// by sendOnce (application messages) and RemoveMember (Fanned removal
// commits) — both travel over the same index-gated path.
func (s *Syncer) postAtNextIndex(ctx context.Context, key string, ciphertext []byte) (uint64, error) {
	s.mu.Lock()
	expected := s.localIndex[key] + 1
	s.mu.Unlock()

	req := map[string]any{
		"group_id":     key,
		"sender_id":    s.engine.Identity(),
		"message":      b64.EncodeToString(ciphertext),
		"global_index": expected,
	}
	if err := s.post(ctx, "/api/send_message", req, nil); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.localIndex[key] = expected
	s.mu.Unlock()
	return expected, nil
}

// isIndexRace reports whether err represents the ledger rejecting a
// message post due to an index mismatch (stale or ahead), the one class
// of failure Send retries after a resync.
func isIndexRace(err error) bool {
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.Code == "index_stale" || serverErr.Code == "index_ahead"
}
