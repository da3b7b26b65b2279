// Command protoreg-node starts a protoreg node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tolelom/protoreg/config"
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
	"github.com/tolelom/protoreg/transport/certgen"
	"github.com/tolelom/protoreg/wire"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "identity.key", "path to identity keystore file")
	genKey := flag.Bool("genkey", false, "generate a new peer identity key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read the keystore password from the environment, not a CLI flag —
	// flags leak via ps.
	password := os.Getenv("PROTOREG_PASSWORD")
	if password == "" {
		log.Println("WARNING: PROTOREG_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		id, err := identity.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := identity.Save(*keyPath, password, id); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated identity. PeerID: %s\n", id.PeerID())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load identity ----
	id, err := identity.Load(*keyPath, password)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	self := id.PeerID()

	peers, err := cfg.PeerIDs()
	if err != nil {
		log.Fatalf("peers: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := store.OpenLevelDB(cfg.DataDir + "/store")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	// ---- merkle store ----
	merkleStore, err := merkle.New(db, merkle.DefaultDepth)
	if err != nil {
		log.Fatalf("merkle store: %v", err)
	}

	// ---- register, bootstrapped from the persisted tip on restart ----
	reg := register.New(cfg.MaxProposalHistory)
	genesis := wire.ProposalManifest{Height: 0}
	if height, hash, ok := merkleStore.LoadTip(); ok {
		reg.Bootstrap(height, hash)
		log.Printf("Resumed from persisted tip: height=%d hash=%s", height, hash)
	}

	// ---- mempool (pending queue) ----
	pending := queue.New()

	// ---- engine ----
	engCfg := engine.Config{
		MinProposalDuration:   cfg.MinProposalDuration(),
		SkipTimeout:           cfg.SkipTimeout(),
		OutOfSyncTimeout:      cfg.OutOfSyncTimeout(),
		MaxChangesPerProposal: cfg.MaxChangesPerProposal,
		QuorumSize:            cfg.QuorumSize,
	}
	eng := engine.New(self, peers, engCfg, reg, pending, genesis, time.Now())

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for peer transport")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(self, p2pAddr, tlsCfg)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		peerID, err := ids.PeerIDFromHex(sp.ID)
		if err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if err := node.AddPeer(peerID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- orchestrator ----
	emitter := orchestrator.NewEmitter()
	orch := orchestrator.New(self, peers, eng, node, merkleStore, emitter)

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(reg, merkleStore, pending, eng, peers)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- orchestrator event pump ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(done)
	}()
	log.Printf("Orchestrator running (peer: %s)", self)

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop the orchestrator first (no further commits applied).
	close(done)
	wg.Wait()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
