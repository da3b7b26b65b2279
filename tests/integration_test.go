// Package tests holds multi-node integration tests that exercise a real
// cluster of Protocol Engines talking over real TCP, rather than the
// single-process unit tests each package carries alongside its code.
package tests

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/tolelom/protoreg/engine"
	"github.com/tolelom/protoreg/identity"
	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/merkle"
	"github.com/tolelom/protoreg/network"
	"github.com/tolelom/protoreg/orchestrator"
	"github.com/tolelom/protoreg/queue"
	"github.com/tolelom/protoreg/register"
	"github.com/tolelom/protoreg/rpc"
	"github.com/tolelom/protoreg/store"
	"github.com/tolelom/protoreg/wire"
)

// rpcCall sends a JSON-RPC request and decodes the result, failing the test
// on any transport, decode, or RPC-level error.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal %s params: %v", method, err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var decoded rpc.Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("rpc %s decode: %v (raw: %s)", method, err, raw)
	}
	if decoded.Error != nil {
		t.Fatalf("rpc %s error: [%d] %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	result, err := json.Marshal(decoded.Result)
	if err != nil {
		t.Fatalf("rpc %s re-marshal result: %v", method, err)
	}
	return result
}

// waitForHeight polls getTip until height reaches at least target or the
// deadline expires.
func waitForHeight(t *testing.T, url string, target uint64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getTip", map[string]any{})
		var tip struct {
			Height uint64 `json:"height"`
		}
		if err := json.Unmarshal(result, &tip); err == nil && tip.Height >= target {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for height >= %d at %s", target, url)
}

// TestThreeNodeClusterReplicatesACommittedChange drives three real
// Orchestrators connected over loopback TCP and checks that a change
// submitted to one node's RPC surface ends up committed and replicated,
// with a matching root hash, on all three.
func TestThreeNodeClusterReplicatesACommittedChange(t *testing.T) {
	const n = 3
	const basePort = 19301

	peers := make([]ids.PeerID, n)
	for i := 0; i < n; i++ {
		id, err := identity.Generate()
		if err != nil {
			t.Fatal(err)
		}
		peers[i] = id.PeerID()
	}

	genesis := wire.ProposalManifest{Height: 0}
	cfg := engine.Config{
		MinProposalDuration:   50 * time.Millisecond,
		SkipTimeout:           2 * time.Second,
		OutOfSyncTimeout:      5 * time.Second,
		MaxChangesPerProposal: 500,
	}

	p2pNodes := make([]*network.Node, n)
	rpcURLs := make([]string, n)
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	for i := 0; i < n; i++ {
		self := peers[i]
		p2pAddr := fmt.Sprintf("127.0.0.1:%d", basePort+i)

		db := store.NewMemDB()
		merkleStore, err := merkle.New(db, merkle.DefaultDepth)
		if err != nil {
			t.Fatal(err)
		}
		reg := register.New(1024)
		pending := queue.New()
		eng := engine.New(self, peers, cfg, reg, pending, genesis, time.Now())

		p2p := network.NewNode(self, p2pAddr, nil)
		if err := p2p.Start(); err != nil {
			t.Fatalf("node %d p2p start: %v", i, err)
		}
		p2pNodes[i] = p2p

		emitter := orchestrator.NewEmitter()
		orch := orchestrator.New(self, peers, eng, p2p, merkleStore, emitter)

		rpcHandler := rpc.NewHandler(reg, merkleStore, pending, eng, peers)
		rpcServer := rpc.NewServer(":0", rpcHandler, "")
		if err := rpcServer.Start(); err != nil {
			t.Fatalf("node %d rpc start: %v", i, err)
		}
		rpcURLs[i] = fmt.Sprintf("http://%s/", rpcServer.Addr())

		done := make(chan struct{})
		go orch.Run(done)
		cleanups = append(cleanups, func() {
			close(done)
			rpcServer.Stop()
			p2p.Stop()
		})
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			addr := fmt.Sprintf("127.0.0.1:%d", basePort+j)
			if err := p2pNodes[i].AddPeer(peers[j], addr); err != nil {
				t.Fatalf("node %d dial node %d: %v", i, j, err)
			}
		}
	}

	key := []byte("match-result")
	value := []byte("player1-wins")
	rpcCall(t, rpcURLs[0], "submitChange", map[string]string{
		"key":   hex.EncodeToString(key),
		"value": hex.EncodeToString(value),
	})

	for i := 0; i < n; i++ {
		waitForHeight(t, rpcURLs[i], 1)
	}

	for i := 0; i < n; i++ {
		result := rpcCall(t, rpcURLs[i], "getValue", map[string]string{"key": hex.EncodeToString(key)})
		var got struct {
			Found bool   `json:"found"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(result, &got); err != nil {
			t.Fatalf("node %d decode getValue: %v", i, err)
		}
		if !got.Found {
			t.Fatalf("node %d has not replicated key %q", i, key)
		}
		decoded, err := hex.DecodeString(got.Value)
		if err != nil || !bytes.Equal(decoded, value) {
			t.Fatalf("node %d value = %q, want %q", i, decoded, value)
		}
	}

	var roots [n]string
	for i := 0; i < n; i++ {
		result := rpcCall(t, rpcURLs[i], "getRootHash", map[string]any{})
		var got struct {
			RootHash string `json:"root_hash"`
		}
		if err := json.Unmarshal(result, &got); err != nil {
			t.Fatalf("node %d decode getRootHash: %v", i, err)
		}
		roots[i] = got.RootHash
	}
	for i := 1; i < n; i++ {
		if roots[i] != roots[0] {
			t.Fatalf("node %d root hash = %s, want %s (matching node 0)", i, roots[i], roots[0])
		}
	}
}
