package syncer

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skychat/skychatd/internal/ledger"
	"github.com/skychat/skychatd/internal/mlsengine"
	"github.com/skychat/skychatd/internal/transport"
)

func newTestLedgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	l := ledger.New()
	srv := transport.NewServer(l, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(srv.Router([]string{"*"}))
	t.Cleanup(ts.Close)
	return ts
}

func mustSyncer(t *testing.T, identity, serverURL string) *Syncer {
	t.Helper()
	engine, err := mlsengine.NewEngine(identity)
	if err != nil {
		t.Fatalf("new engine for %q: %v", identity, err)
	}
	return New(engine, serverURL)
}

func groupKeyForTest(groupID []byte) string {
	return base64.URLEncoding.EncodeToString(groupID)
}

func TestConnectAndListUsers(t *testing.T) {
	ts := newTestLedgerServer(t)
	alice := mustSyncer(t, "alice", ts.URL)
	bob := mustSyncer(t, "bob", ts.URL)

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}

	users, err := alice.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}
}

func TestSendRequiresSyncAndFiltersSelfEcho(t *testing.T) {
	ts := newTestLedgerServer(t)
	alice := mustSyncer(t, "alice", ts.URL)
	bob := mustSyncer(t, "bob", ts.URL)

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}

	gid, err := alice.CreateGroupWith(ctx, "general", []string{"bob"})
	if err != nil {
		t.Fatalf("create group with bob: %v", err)
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob sync: %v", err)
	}
	if err := bob.AcceptAllInvites(ctx); err != nil {
		t.Fatalf("bob accept invites: %v", err)
	}

	if err := alice.Send(ctx, gid, []byte("hello bob")); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	// Alice's own Poll must not redeliver her own message as an Event.
	aliceEvents, err := alice.Poll(ctx)
	if err != nil {
		t.Fatalf("alice poll: %v", err)
	}
	for _, ev := range aliceEvents {
		if ev.SenderID == "alice" {
			t.Fatalf("alice poll delivered a self-echoed event: %+v", ev)
		}
	}

	bobEvents, err := bob.Poll(ctx)
	if err != nil {
		t.Fatalf("bob poll: %v", err)
	}
	if len(bobEvents) != 1 {
		t.Fatalf("bob events = %d, want 1", len(bobEvents))
	}
	if string(bobEvents[0].Plaintext) != "hello bob" {
		t.Fatalf("bob event plaintext = %q, want %q", bobEvents[0].Plaintext, "hello bob")
	}
}

func TestSendAlwaysResyncsStaleLocalIndex(t *testing.T) {
	ts := newTestLedgerServer(t)
	alice := mustSyncer(t, "alice", ts.URL)
	bob := mustSyncer(t, "bob", ts.URL)

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}

	gid, err := alice.CreateGroupWith(ctx, "general", []string{"bob"})
	if err != nil {
		t.Fatalf("create group with bob: %v", err)
	}
	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob sync: %v", err)
	}
	if err := bob.AcceptAllInvites(ctx); err != nil {
		t.Fatalf("bob accept invites: %v", err)
	}

	// Corrupt alice's locally cached index to simulate a client that
	// crashed mid-session and lost its in-memory state. Send's mandatory
	// Sync precondition must recover the authoritative index before
	// posting, rather than trusting the stale local value.
	if err := alice.Send(ctx, gid, []byte("first")); err != nil {
		t.Fatalf("alice send first: %v", err)
	}
	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob sync after first: %v", err)
	}
	if _, err := bob.Poll(ctx); err != nil {
		t.Fatalf("bob drain first: %v", err)
	}

	key := groupKeyForTest(gid)
	alice.mu.Lock()
	alice.localIndex[key] = 0
	alice.mu.Unlock()

	if err := alice.Send(ctx, gid, []byte("second")); err != nil {
		t.Fatalf("alice send second after forced staleness: %v", err)
	}

	events, err := bob.Poll(ctx)
	if err != nil {
		t.Fatalf("bob poll: %v", err)
	}
	if len(events) != 1 || string(events[0].Plaintext) != "second" {
		t.Fatalf("bob events = %+v, want one event with plaintext 'second'", events)
	}
}

func TestCreateGroupWithContinuesPastInviteFailure(t *testing.T) {
	ts := newTestLedgerServer(t)
	alice := mustSyncer(t, "alice", ts.URL)
	bob := mustSyncer(t, "bob", ts.URL)

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	// "carol" is never connected, so inviting her has no published key
	// package and must fail without aborting bob's invite.

	gid, err := alice.CreateGroupWith(ctx, "general", []string{"carol", "bob"})
	if err != nil {
		t.Fatalf("create group with: %v", err)
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob sync: %v", err)
	}
	if err := bob.AcceptAllInvites(ctx); err != nil {
		t.Fatalf("bob accept invites: %v", err)
	}

	if err := alice.Send(ctx, gid, []byte("hi bob")); err != nil {
		t.Fatalf("alice send to bob after carol's failed invite: %v", err)
	}
	bobEvents, err := bob.Poll(ctx)
	if err != nil {
		t.Fatalf("bob poll: %v", err)
	}
	if len(bobEvents) != 1 || string(bobEvents[0].Plaintext) != "hi bob" {
		t.Fatalf("bob events = %+v, want one event with plaintext 'hi bob'", bobEvents)
	}

	transcript := alice.Transcript(gid)
	foundFailure := false
	for _, item := range transcript {
		if item.Text == SystemGroupCreated {
			continue
		}
		if item.SenderID == "alice" && strings.HasPrefix(item.Text, "<error_") {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Fatalf("alice transcript = %+v, want a system message recording carol's invite failure", transcript)
	}
}

func TestRemoveMemberEndToEnd(t *testing.T) {
	ts := newTestLedgerServer(t)
	alice := mustSyncer(t, "alice", ts.URL)
	bob := mustSyncer(t, "bob", ts.URL)
	carol := mustSyncer(t, "carol", ts.URL)

	ctx := context.Background()
	for _, s := range []*Syncer{alice, bob, carol} {
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	gid, err := alice.CreateGroupWith(ctx, "general", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("create group with: %v", err)
	}
	for _, s := range []*Syncer{bob, carol} {
		if err := s.Sync(ctx); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if err := s.AcceptAllInvites(ctx); err != nil {
			t.Fatalf("accept invites: %v", err)
		}
	}

	if err := alice.RemoveMember(ctx, gid, mlsengine.MemberRef{Identity: "carol"}); err != nil {
		t.Fatalf("alice remove carol: %v", err)
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob sync after removal: %v", err)
	}
	if _, err := bob.Poll(ctx); err != nil {
		t.Fatalf("bob poll after removal: %v", err)
	}

	if err := alice.Send(ctx, gid, []byte("carol is gone")); err != nil {
		t.Fatalf("alice send after removal: %v", err)
	}

	bobEvents, err := bob.Poll(ctx)
	if err != nil {
		t.Fatalf("bob poll: %v", err)
	}
	if len(bobEvents) != 1 || string(bobEvents[0].Plaintext) != "carol is gone" {
		t.Fatalf("bob events = %+v, want the post-removal message", bobEvents)
	}

	// Carol's next poll reaches the commit that removes her; her group
	// refuses to apply it and stays at the pre-removal epoch, so the poll
	// fails.
	if _, err := carol.Poll(ctx); err == nil {
		t.Fatalf("carol poll after her own removal: want an error processing her removal commit, got nil")
	}
}

func TestExternalJoinEndToEnd(t *testing.T) {
	ts := newTestLedgerServer(t)
	alice := mustSyncer(t, "alice", ts.URL)
	dave := mustSyncer(t, "dave", ts.URL)

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := dave.Connect(ctx); err != nil {
		t.Fatalf("dave connect: %v", err)
	}

	gid, err := alice.CreateGroup(ctx, "general")
	if err != nil {
		t.Fatalf("alice create group: %v", err)
	}

	// dave is not a member and has no local state for this group; he
	// learns the group's existence out of band (e.g. an invite link) and
	// asks to join.
	if err := dave.RequestExternalJoin(ctx, gid); err != nil {
		t.Fatalf("dave request external join: %v", err)
	}

	events, err := alice.Poll(ctx)
	if err != nil {
		t.Fatalf("alice poll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("alice events = %+v, want zero: an external join proposal is not an application message", events)
	}

	if err := alice.ApproveExternalJoin(ctx, gid, "dave"); err != nil {
		t.Fatalf("alice approve dave's external join: %v", err)
	}

	if err := dave.Sync(ctx); err != nil {
		t.Fatalf("dave sync: %v", err)
	}
	if err := dave.AcceptAllInvites(ctx); err != nil {
		t.Fatalf("dave accept invites: %v", err)
	}

	if err := alice.Send(ctx, gid, []byte("welcome dave")); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	daveEvents, err := dave.Poll(ctx)
	if err != nil {
		t.Fatalf("dave poll: %v", err)
	}
	if len(daveEvents) != 1 || string(daveEvents[0].Plaintext) != "welcome dave" {
		t.Fatalf("dave events = %+v, want the post-join message", daveEvents)
	}
}
