// Package config loads and validates node configuration: peer transport
// addresses, RPC binding, and the durations/limits spec §6 names for the
// Protocol Engine.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tolelom/protoreg/ids"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote peer to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // hex-encoded PeerID
	Addr string `json:"addr"` // host:port
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	RPCPort int    `json:"rpc_port"`
	P2PPort int    `json:"p2p_port"`

	// Peers lists every participant's hex-encoded PeerID, including this
	// node's own. Leader selection and quorum counting both range over it.
	Peers     []string   `json:"peers"`
	SeedPeers []SeedPeer `json:"seed_peers,omitempty"`

	MinProposalDurationMS int64  `json:"min_proposal_duration_ms"`
	SkipTimeoutMS         int64  `json:"skip_timeout_ms"`
	OutOfSyncTimeoutMS    int64  `json:"out_of_sync_timeout_ms"`
	MaxProposalHistory    uint64 `json:"max_proposal_history"`
	// QuorumSize overrides the N used for quorum counting; 0 derives it
	// from len(Peers), spec's "derived from peer_count unless overridden".
	QuorumSize            int `json:"quorum_size,omitempty"`
	MaxChangesPerProposal int `json:"max_changes_per_proposal"`
	SnapshotChunkBytes    int `json:"snapshot_chunk_bytes,omitempty"`

	TLS          *TLSConfig `json:"tls,omitempty"`
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"`
}

// DefaultConfig returns development defaults. Peers is left empty, so the
// result does not pass Validate until at least one peer is added.
func DefaultConfig() *Config {
	return &Config{
		NodeID:                "node0",
		DataDir:               "./data",
		RPCPort:               8645,
		P2PPort:               30403,
		MinProposalDurationMS: 1000,
		SkipTimeoutMS:         5000,
		OutOfSyncTimeoutMS:    60000,
		MaxProposalHistory:    1024,
		MaxChangesPerProposal: 500,
	}
}

// MinProposalDuration returns the configured duration as a time.Duration.
func (c *Config) MinProposalDuration() time.Duration {
	return time.Duration(c.MinProposalDurationMS) * time.Millisecond
}

// SkipTimeout returns the configured duration as a time.Duration.
func (c *Config) SkipTimeout() time.Duration {
	return time.Duration(c.SkipTimeoutMS) * time.Millisecond
}

// OutOfSyncTimeout returns the configured duration as a time.Duration.
func (c *Config) OutOfSyncTimeout() time.Duration {
	return time.Duration(c.OutOfSyncTimeoutMS) * time.Millisecond
}

// PeerIDs decodes Peers into ids.PeerID values, in the order given.
func (c *Config) PeerIDs() ([]ids.PeerID, error) {
	out := make([]ids.PeerID, len(c.Peers))
	for i, s := range c.Peers {
		p, err := ids.PeerIDFromHex(s)
		if err != nil {
			return nil, fmt.Errorf("peers[%d]: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("peers list must not be empty")
	}
	for i, p := range c.Peers {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != ids.Size {
			return fmt.Errorf("peers[%d]: must be %d-char hex (%d bytes), got %q", i, ids.Size*2, ids.Size, p)
		}
	}
	if c.MinProposalDurationMS <= 0 {
		return fmt.Errorf("min_proposal_duration_ms must be positive")
	}
	if c.SkipTimeoutMS <= 0 {
		return fmt.Errorf("skip_timeout_ms must be positive")
	}
	if c.OutOfSyncTimeoutMS <= 0 {
		return fmt.Errorf("out_of_sync_timeout_ms must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
