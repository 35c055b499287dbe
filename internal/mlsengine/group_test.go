package mlsengine

import (
	"bytes"
	"testing"
)

func mustEngine(t *testing.T, identity string) *Engine {
	t.Helper()
	e, err := NewEngine(identity)
	if err != nil {
		t.Fatalf("NewEngine(%q): %v", identity, err)
	}
	return e
}

// S1 — two-member create/send: Alice creates a group, invites Bob, Bob
// processes the Welcome, and they exchange an application message.
func TestTwoMemberCreateAndSend(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	group, err := alice.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bobKP, err := bob.KeyPackage()
	if err != nil {
		t.Fatalf("bob.KeyPackage: %v", err)
	}

	invite, err := group.AddMember(bobKP)
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	bobGroup, err := bob.ProcessInvite(invite.Welcome)
	if err != nil {
		t.Fatalf("bob.ProcessInvite: %v", err)
	}
	if bobGroup.MemberCount() != 2 {
		t.Fatalf("bob's group has %d members, want 2", bobGroup.MemberCount())
	}
	if bobGroup.Epoch() != group.Epoch() {
		t.Fatalf("epoch mismatch: bob=%d alice=%d", bobGroup.Epoch(), group.Epoch())
	}

	ct, err := group.CreateMessage([]byte("hello bob"))
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	out, err := bobGroup.ProcessMessage(ct)
	if err != nil {
		t.Fatalf("bob ProcessMessage(app): %v", err)
	}
	if !bytes.Equal(out.ApplicationMessage, []byte("hello bob")) {
		t.Fatalf("application message = %q, want %q", out.ApplicationMessage, "hello bob")
	}
}

// S3 — three-member fan-out: after S1, Charlie joins; Bob must be able to
// process the new commit and still decrypt messages from Alice afterward.
func TestThreeMemberFanOut(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")
	charlie := mustEngine(t, "charlie")

	group, _ := alice.CreateGroup()
	bobKP, _ := bob.KeyPackage()
	inviteBob, err := group.AddMember(bobKP)
	if err != nil {
		t.Fatalf("AddMember(bob): %v", err)
	}
	bobGroup, err := bob.ProcessInvite(inviteBob.Welcome)
	if err != nil {
		t.Fatalf("bob.ProcessInvite: %v", err)
	}

	charlieKP, _ := charlie.KeyPackage()
	inviteCharlie, err := group.AddMember(charlieKP)
	if err != nil {
		t.Fatalf("AddMember(charlie): %v", err)
	}

	if _, err := bobGroup.ProcessMessage(inviteCharlie.Fanned); err != nil {
		t.Fatalf("bob processing charlie's fanned commit: %v", err)
	}
	if bobGroup.MemberCount() != 3 {
		t.Fatalf("bob's group has %d members after charlie joins, want 3", bobGroup.MemberCount())
	}

	charlieGroup, err := charlie.ProcessInvite(inviteCharlie.Welcome)
	if err != nil {
		t.Fatalf("charlie.ProcessInvite: %v", err)
	}
	if charlieGroup.Epoch() != bobGroup.Epoch() {
		t.Fatalf("epoch mismatch after fan-out: charlie=%d bob=%d", charlieGroup.Epoch(), bobGroup.Epoch())
	}

	ct, err := group.CreateMessage([]byte("welcome charlie"))
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	for name, g := range map[string]*Group{"bob": bobGroup, "charlie": charlieGroup} {
		out, err := g.ProcessMessage(ct)
		if err != nil {
			t.Fatalf("%s ProcessMessage: %v", name, err)
		}
		if !bytes.Equal(out.ApplicationMessage, []byte("welcome charlie")) {
			t.Fatalf("%s decrypted %q, want %q", name, out.ApplicationMessage, "welcome charlie")
		}
	}
}

// S4 — removal: after a three-member group, Charlie removes Alice; Bob
// must be able to process the commit, and Alice's old epoch key must no
// longer decrypt new messages.
func TestRemoveMember(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")
	charlie := mustEngine(t, "charlie")

	group, _ := alice.CreateGroup()
	bobKP, _ := bob.KeyPackage()
	inviteBob, _ := group.AddMember(bobKP)
	bobGroup, _ := bob.ProcessInvite(inviteBob.Welcome)

	charlieKP, _ := charlie.KeyPackage()
	inviteCharlie, _ := group.AddMember(charlieKP)
	bobGroup.ProcessMessage(inviteCharlie.Fanned)
	charlieGroup, _ := charlie.ProcessInvite(inviteCharlie.Welcome)

	removal, err := charlieGroup.RemoveMember(MemberRef{Identity: "alice"})
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if charlieGroup.MemberCount() != 2 {
		t.Fatalf("charlie's group has %d members after removing alice, want 2", charlieGroup.MemberCount())
	}

	if _, err := bobGroup.ProcessMessage(removal); err != nil {
		t.Fatalf("bob processing removal commit: %v", err)
	}
	if bobGroup.MemberCount() != 2 {
		t.Fatalf("bob's group has %d members after removal, want 2", bobGroup.MemberCount())
	}
	for _, id := range bobGroup.Members() {
		if id == "alice" {
			t.Fatal("alice still present in bob's member list after removal")
		}
	}

	// Alice's stale epoch secret must not decrypt messages sent after removal.
	ctAfter, err := charlieGroup.CreateMessage([]byte("alice is gone"))
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := group.ProcessMessage(ctAfter); err == nil {
		t.Fatal("alice's stale group state decrypted a post-removal message, want failure")
	}

	// The removal commit is still encrypted under the pre-removal epoch
	// secret, which alice still holds — but processing her own removal
	// must refuse to advance her state rather than silently admitting her
	// into an epoch she is no longer part of.
	if _, err := group.ProcessMessage(removal); err != ErrRemovedFromGroup {
		t.Fatalf("alice processing her own removal commit: err = %v, want ErrRemovedFromGroup", err)
	}
}

func TestRemoveMember_UnknownTarget(t *testing.T) {
	alice := mustEngine(t, "alice")
	group, _ := alice.CreateGroup()

	if _, err := group.RemoveMember(MemberRef{Identity: "nobody"}); err != ErrNotMember {
		t.Fatalf("RemoveMember(unknown) error = %v, want ErrNotMember", err)
	}
	if _, err := group.RemoveMember(MemberRef{}); err != ErrNotMember {
		t.Fatalf("RemoveMember(zero ref) error = %v, want ErrNotMember", err)
	}
}

// S5 — external join: Dave, not yet a member, broadcasts a join proposal;
// any existing member can finalize it.
func TestExternalJoin(t *testing.T) {
	alice := mustEngine(t, "alice")
	dave := mustEngine(t, "dave")

	group, _ := alice.CreateGroup()

	proposalFrame, err := dave.RequestExternalJoin()
	if err != nil {
		t.Fatalf("RequestExternalJoin: %v", err)
	}

	outcome, err := group.ProcessMessage(proposalFrame)
	if err != nil {
		t.Fatalf("ProcessMessage(external join proposal): %v", err)
	}
	if outcome.ExternalJoinProposal == nil {
		t.Fatal("expected an external join proposal, got none")
	}

	invite, err := group.AddMemberFromProposal(outcome.ExternalJoinProposal)
	if err != nil {
		t.Fatalf("AddMemberFromProposal: %v", err)
	}

	daveGroup, err := dave.ProcessInvite(invite.Welcome)
	if err != nil {
		t.Fatalf("dave.ProcessInvite: %v", err)
	}
	if daveGroup.MemberCount() != 2 {
		t.Fatalf("dave's group has %d members, want 2", daveGroup.MemberCount())
	}
}

// S6 — persistence: a group's state must round-trip through
// SaveState/LoadState with identical epoch material.
func TestSaveLoadStateRoundTrip(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	group, _ := alice.CreateGroup()
	bobKP, _ := bob.KeyPackage()
	if _, err := group.AddMember(bobKP); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	blob, err := group.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored, err := alice.LoadState(blob)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if restored.Epoch() != group.Epoch() {
		t.Fatalf("restored epoch = %d, want %d", restored.Epoch(), group.Epoch())
	}
	if restored.MemberCount() != group.MemberCount() {
		t.Fatalf("restored member count = %d, want %d", restored.MemberCount(), group.MemberCount())
	}

	ct, err := group.CreateMessage([]byte("after restore"))
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	out, err := restored.ProcessMessage(ct)
	if err != nil {
		t.Fatalf("restored.ProcessMessage: %v", err)
	}
	if !bytes.Equal(out.ApplicationMessage, []byte("after restore")) {
		t.Fatalf("decrypted %q, want %q", out.ApplicationMessage, "after restore")
	}
}

func TestLoadState_NotAMember(t *testing.T) {
	alice := mustEngine(t, "alice")
	eve := mustEngine(t, "eve")

	group, _ := alice.CreateGroup()
	blob, _ := group.SaveState()

	if _, err := eve.LoadState(blob); err == nil {
		t.Fatal("expected error loading state for an identity absent from the roster")
	}
}

func TestAddMember_AlreadyMember(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	group, _ := alice.CreateGroup()
	bobKP, _ := bob.KeyPackage()
	if _, err := group.AddMember(bobKP); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := group.AddMember(bobKP); err != ErrAlreadyMember {
		t.Fatalf("second AddMember error = %v, want ErrAlreadyMember", err)
	}
}

func TestKeyPackage_TamperedSignatureRejected(t *testing.T) {
	bob := mustEngine(t, "bob")
	kp, err := bob.KeyPackage()
	if err != nil {
		t.Fatalf("KeyPackage: %v", err)
	}
	kp.Signature[0] ^= 0xFF

	alice := mustEngine(t, "alice")
	group, _ := alice.CreateGroup()
	if _, err := group.AddMember(kp); err != ErrKeyPackageInvalid {
		t.Fatalf("AddMember(tampered kp) error = %v, want ErrKeyPackageInvalid", err)
	}
}

func TestKeyPackageWireRoundTrip(t *testing.T) {
	bob := mustEngine(t, "bob")
	kp, err := bob.KeyPackage()
	if err != nil {
		t.Fatalf("KeyPackage: %v", err)
	}

	data := kp.Marshal()
	parsed, err := UnmarshalKeyPackage(data)
	if err != nil {
		t.Fatalf("UnmarshalKeyPackage: %v", err)
	}
	if parsed.Identity != kp.Identity {
		t.Fatalf("identity = %q, want %q", parsed.Identity, kp.Identity)
	}
	if err := parsed.Verify(); err != nil {
		t.Fatalf("parsed.Verify: %v", err)
	}
}
