package main

// antnode is the node daemon entrypoint: load configuration, derive the
// node's identity wallet, bootstrap into the network, and run the swarm
// driver until signalled to stop.

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"autonomi-network/core"
	pkgconfig "autonomi-network/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "antnode"}
	root.AddCommand(runCmd())
	root.AddCommand(walletCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env, mnemonicFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node and join the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(env, mnemonicFile)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "configuration environment overlay (ANT_ENV)")
	cmd.Flags().StringVar(&mnemonicFile, "identity", "identity.mnemonic", "path to the node's BIP-39 identity file")
	return cmd
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new-identity [path]",
		Short: "generate a new node identity mnemonic and write it to disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "identity.mnemonic"
			if len(args) == 1 {
				path = args[0]
			}
			_, mnemonic, err := core.NewRandomWallet(256)
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}
			if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
				return fmt.Errorf("write identity file: %w", err)
			}
			fmt.Printf("wrote new identity to %s\n", path)
			return nil
		},
	}
	return cmd
}

func runNode(env, mnemonicFile string) error {
	if env == "" {
		env = os.Getenv("ANT_ENV")
	}
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	wallet, err := loadOrCreateIdentity(mnemonicFile, logger)
	if err != nil {
		return err
	}
	identity, err := wallet.LibP2PIdentity(0, 0)
	if err != nil {
		return fmt.Errorf("derive libp2p identity: %w", err)
	}
	pid, err := peer.IDFromPublicKey(identity.GetPublic())
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}
	self := core.PeerId(pid.String()).Address()
	logger.Infof("antnode: identity %s (address %s)", pid.String(), self.Short())

	quoteKey, _, err := wallet.IdentityKey(0, 1)
	if err != nil {
		return fmt.Errorf("derive quote-signing key: %w", err)
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	store, err := core.NewStore(core.StoreConfig{
		DataDir:    dataDir,
		MaxEntries: cfg.Storage.MaxEntries,
		ArchiveDir: cfg.Storage.ArchiveDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	httpTimeout := time.Duration(cfg.Bootstrap.HTTPTimeoutS) * time.Second
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}
	bootCfg := core.BootstrapConfig{
		NetworkID: cfg.Network.NetworkID,
		Transport: core.Config{
			ListenAddr:     cfg.Network.ListenAddr,
			BootstrapPeers: cfg.Network.BootstrapPeers,
			DiscoveryTag:   cfg.Network.DiscoveryTag,
			IdentityKey:    identity,
		},
		Replication: core.ReplicationConfig{
			Fanout:         cfg.Replication.Fanout,
			RequestTimeout: time.Duration(cfg.Replication.RequestTimeoutMS) * time.Millisecond,
		},
		CacheDir:     cfg.Bootstrap.CacheDir,
		ContactURLs:  cfg.Bootstrap.ContactURLs,
		MainnetURL:   cfg.Bootstrap.MainnetURL,
		Local:        cfg.Network.Local,
		First:        cfg.Network.First,
		DesiredCount: cfg.Bootstrap.DesiredCount,
		HTTPTimeout:  httpTimeout,
		QuoteKey:     quoteKey,
	}

	node, err := core.NewBootstrapNode(bootCfg, self, store, logger)
	if err != nil {
		return fmt.Errorf("bootstrap node: %w", err)
	}
	node.Start()
	defer node.Stop()

	metrics := core.NewMetrics()
	swarm := core.NewSwarm(node.Node, store, node.Replicator(), logger, metrics)
	swarm.Start()
	defer swarm.Stop()

	retry := cfg.Quote.RetryFailed
	client := core.NewClient(swarm, node.Replicator(), node.Routes(), retry)
	_ = client // wired for an eventual get/put RPC surface; none is exposed yet

	go serveMetrics(metrics, logger)

	logger.Infof("antnode: listening on %s, network id %d", cfg.Network.ListenAddr, cfg.Network.NetworkID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("antnode: shutdown signal received")
	return nil
}

func serveMetrics(m *core.Metrics, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	addr := "127.0.0.1:9477"
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warnf("antnode: metrics server stopped: %v", err)
	}
}

// loadOrCreateIdentity reads a BIP-39 mnemonic from path, generating and
// persisting a new one on first run.
func loadOrCreateIdentity(path string, logger *logrus.Logger) (*core.HDWallet, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		mnemonic := trimNewline(raw)
		w, err := core.WalletFromMnemonic(mnemonic, "")
		if err != nil {
			return nil, fmt.Errorf("load identity %s: %w", path, err)
		}
		return w, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	w, mnemonic, err := core.NewRandomWallet(256)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	logger.Infof("antnode: generated new identity at %s", path)
	return w, nil
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
