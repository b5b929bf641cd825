// Command node runs one validator in a permissioned Simplex-BFT
// committee: consensus engine, gossip transport, JSON-RPC facade, and
// health/metrics endpoints, with phase-numbered startup logging and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simplexbft/node/pkg/blscrypto"
	"github.com/simplexbft/node/pkg/consensus"
	"github.com/simplexbft/node/pkg/evidence"
	"github.com/simplexbft/node/pkg/gossip"
	"github.com/simplexbft/node/pkg/metrics"
	"github.com/simplexbft/node/pkg/nodecfg"
	"github.com/simplexbft/node/pkg/nodelog"
	"github.com/simplexbft/node/pkg/rpcserver"
	"github.com/simplexbft/node/pkg/storage"
	"github.com/simplexbft/node/pkg/txpool"
	"github.com/simplexbft/node/pkg/types"
)

// viewTimeout bounds how long this node waits for a view to progress
// before voting to extend it with a dummy block, per Simplex's
// liveness fallback.
const viewTimeout = 4 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log := nodelog.New("node")

	if len(os.Args) < 2 {
		return fmt.Errorf("usage: node <node_id> [--gas-limit <u64>]")
	}
	var nodeID uint64
	if _, err := fmt.Sscanf(os.Args[1], "%d", &nodeID); err != nil {
		return fmt.Errorf("invalid node_id %q: %w", os.Args[1], err)
	}

	flags := flag.NewFlagSet("node", flag.ContinueOnError)
	gasLimitFlag := flags.String("gas-limit", "", "block gas limit (default 30,000,000)")
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}
	gasLimit, err := nodecfg.ParseGasLimitFlag(*gasLimitFlag)
	if err != nil {
		return err
	}

	cfg, err := nodecfg.Load(nodeID, gasLimit)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log.Printf("phase 1/5: config loaded node_id=%d gas_limit=%d data_dir=%s", cfg.NodeID, cfg.GasLimit, cfg.DataDir)

	genesis, err := nodecfg.LoadGenesis(cfg.GenesisFile)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	committee, err := genesis.CommitteeKeys()
	if err != nil {
		return fmt.Errorf("decode genesis committee: %w", err)
	}
	if int(nodeID) >= len(committee) {
		return fmt.Errorf("node_id %d has no entry in the genesis committee (size %d)", nodeID, len(committee))
	}

	// node_id deterministically derives the BLS keypair, so a
	// permissioned validator set can be reconstructed offline from
	// nothing but the committee size and this same derivation.
	privKey, pubKey, err := blscrypto.GenerateKeyPairFromSeed([]byte(fmt.Sprintf("simplexbft-node-%d", nodeID)))
	if err != nil {
		return fmt.Errorf("derive keypair: %w", err)
	}
	if types.PublicKeyFromBLS(pubKey) != committee[nodeID] {
		return fmt.Errorf("node_id %d's derived public key does not match the genesis committee entry", nodeID)
	}
	log.Printf("phase 2/5: genesis loaded chain_id=%d committee_size=%d", genesis.ChainID, len(committee))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := dbm.NewGoLevelDB("simplexbft", cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := storage.New(db)

	pool := txpool.New(nodelog.New("txpool"))
	evidencePool := evidence.New(nodelog.New("evidence"))

	engine, err := consensus.New(store, pool, evidencePool, privKey, genesis.ChainID, cfg.GasLimit, committee, nodelog.New("consensus"))
	if err != nil {
		return fmt.Errorf("construct consensus engine: %w", err)
	}
	reg := metrics.New()
	log.Printf("phase 3/5: storage, mempool, and consensus engine ready")

	selfAddr, err := genesis.GossipAddr(int(nodeID))
	if err != nil {
		return fmt.Errorf("resolve own gossip address: %w", err)
	}
	network := gossip.NewNetwork(selfAddr, nodelog.New("gossip"))

	drv := &driver{
		engine:       engine,
		store:        store,
		pool:         pool,
		evidencePool: evidencePool,
		network:      network,
		logger:       nodelog.New("driver"),
		metrics:      reg,
	}

	if err := network.Bind(cfg.GossipListenAddr, drv); err != nil {
		return fmt.Errorf("bind gossip listener: %w", err)
	}
	peerCount := 0
	for i, v := range genesis.Committee {
		if i == int(nodeID) {
			continue
		}
		network.AddPeer(v.GossipAddr)
		peerCount++
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := network.Serve(); err != nil {
			log.Printf("gossip listener stopped: %v", err)
		}
	}()
	log.Printf("phase 4/5: gossip listening on %s, dialing %d peers", cfg.GossipListenAddr, peerCount)

	mux := http.NewServeMux()
	rpcSvc := rpcserver.NewService(store, engine, pool, network, genesis.ChainID, nodelog.New("rpc"))
	rpcSrv := rpc.NewServer()
	if err := rpcserver.Register(rpcSrv, rpcSvc); err != nil {
		return fmt.Errorf("register rpc service: %w", err)
	}
	mux.Handle("/", rpcSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := engine.State()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","view":%d,"finalized_height":%d}`, state.View, state.FinalizedHeight)
	})
	rpcHTTPServer := &http.Server{Addr: cfg.RPCListenAddr, Handler: mux}
	go func() {
		if err := rpcHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("rpc http server error: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	metricsHTTPServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics http server error: %v", err)
		}
	}()
	log.Printf("phase 5/5: rpc+health on %s, metrics on %s", cfg.RPCListenAddr, cfg.MetricsAddr)

	go drv.runConsensusLoop(ctx, nodeID, len(committee))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down node_id=%d", nodeID)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rpcHTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("rpc server shutdown error: %v", err)
	}
	if err := metricsHTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	if err := network.Close(); err != nil {
		log.Printf("gossip network close error: %v", err)
	}
	log.Printf("node_id=%d stopped", nodeID)
	return nil
}
