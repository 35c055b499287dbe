// Package keystore persists one client's long-term identity and joined
// groups to disk between runs. The persisted shape — signer bytes, a
// credential blob, a provider key-value store, and a group_name-to-id
// index — is grounded on original_source's
// ConvoManager::save_state/load_state (core/core/src/manager.rs), adapted
// from Rust's bincode+base64-keyed-map encoding to a single JSON document.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/skychat/skychatd/internal/mlsengine"
)

// persisted is the on-disk document. Byte fields are base64 (standard
// alphabet — independent of the wire, which uses URL-safe base64; see
// SPEC_FULL.md's Open Question Decision #3) so the whole thing round-trips
// cleanly through JSON.
type persisted struct {
	Identity      string            `json:"identity"`
	SigPub        string            `json:"sig_pub"`
	SigPriv       string            `json:"sig_priv"`
	InitPub       string            `json:"init_pub"`
	InitPriv      string            `json:"init_priv"`
	Groups        map[string]string `json:"groups"`           // group_id (b64) -> serialized group state (b64)
	GroupNameToID map[string]string `json:"group_name_to_id"` // group_name -> group_id (b64)
}

// State is one client's loaded identity plus its joined groups, keyed by
// the base64 encoding of their raw group IDs.
type State struct {
	Engine        *mlsengine.Engine
	Groups        map[string]*mlsengine.Group // key: base64(group id)
	GroupNameToID map[string]string           // group name -> base64(group id)
}

// New creates a brand-new State with a freshly generated identity.
func New(identity string) (*State, error) {
	engine, err := mlsengine.NewEngine(identity)
	if err != nil {
		return nil, err
	}
	return &State{
		Engine:        engine,
		Groups:        make(map[string]*mlsengine.Group),
		GroupNameToID: make(map[string]string),
	}, nil
}

// Save writes the state to path as JSON.
func Save(path string, s *State) error {
	sigPub, sigPriv, initPub, initPriv := s.Engine.ExportIdentity()

	doc := persisted{
		Identity:      s.Engine.Identity(),
		SigPub:        base64.StdEncoding.EncodeToString(sigPub),
		SigPriv:       base64.StdEncoding.EncodeToString(sigPriv),
		InitPub:       base64.StdEncoding.EncodeToString(initPub),
		InitPriv:      base64.StdEncoding.EncodeToString(initPriv),
		Groups:        make(map[string]string, len(s.Groups)),
		GroupNameToID: s.GroupNameToID,
	}
	for gidB64, g := range s.Groups {
		blob, err := g.SaveState()
		if err != nil {
			return fmt.Errorf("keystore: save group %q: %w", gidB64, err)
		}
		doc.Groups[gidB64] = base64.StdEncoding.EncodeToString(blob)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("keystore: write %q: %w", path, err)
	}
	return nil
}

// Load reads a previously-saved state from path.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %q: %w", path, err)
	}

	var doc persisted
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal %q: %w", path, err)
	}

	sigPub, err := base64.StdEncoding.DecodeString(doc.SigPub)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode sig_pub: %w", err)
	}
	sigPriv, err := base64.StdEncoding.DecodeString(doc.SigPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode sig_priv: %w", err)
	}
	initPub, err := base64.StdEncoding.DecodeString(doc.InitPub)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode init_pub: %w", err)
	}
	initPriv, err := base64.StdEncoding.DecodeString(doc.InitPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode init_priv: %w", err)
	}

	engine, err := mlsengine.LoadEngine(doc.Identity, sigPub, sigPriv, initPub, initPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: load engine: %w", err)
	}

	groups := make(map[string]*mlsengine.Group, len(doc.Groups))
	for gid, encoded := range doc.Groups {
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode group %q: %w", gid, err)
		}
		g, err := engine.LoadState(blob)
		if err != nil {
			return nil, fmt.Errorf("keystore: load group %q: %w", gid, err)
		}
		groups[gid] = g
	}

	if doc.GroupNameToID == nil {
		doc.GroupNameToID = make(map[string]string)
	}

	return &State{Engine: engine, Groups: groups, GroupNameToID: doc.GroupNameToID}, nil
}
