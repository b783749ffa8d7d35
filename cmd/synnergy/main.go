// Command synnergy runs the peer-to-peer networking core as a standalone
// node process.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/internal/chain"
	"synnergy-network/internal/dispatch"
	"synnergy-network/internal/errs"
	"synnergy-network/internal/identity"
	"synnergy-network/internal/metrics"
	"synnergy-network/internal/p2p"
	"synnergy-network/internal/ratelimit"
	"synnergy-network/internal/sync"
	"synnergy-network/internal/tor"
	"synnergy-network/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "synnergy"}
	rootCmd.AddCommand(startCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a networking-core node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge on top of the default config (e.g. \"prod\")")
	return cmd
}

// runNode wires every networking-core component together and blocks until
// SIGINT/SIGTERM.
func runNode(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	id, err := identity.LoadOrGenerate(cfg.IdentityDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.WithField("node_id", id.NodeID).Info("identity loaded")

	if cfg.NodeID == "" {
		cfg.NodeID = id.NodeID
	}

	sessions := identity.NewSessions(id)
	errHandler := errs.NewHandler(logger)
	limiter := ratelimit.New(logger)
	m := metrics.New()
	store := chain.NewMemoryChain()
	addrBook := p2p.LoadAddressBook(cfg.AddressBookPath)
	for _, addr := range cfg.BootstrapNodes {
		addrBook.Add(addr)
	}

	syncMgr := sync.New(sync.Deps{
		Config:      cfg,
		LocalNodeID: id.NodeID,
		Store:       store,
		Validator:   store,
		Metrics:     m,
		ErrHandler:  errHandler,
		Logger:      logger,
	})

	disp := dispatch.New(dispatch.Config{
		LocalNodeID: id.NodeID,
		Store:       store,
		Validator:   store,
		Peers:       addrBook,
		Sync:        syncMgr,
		ErrHandler:  errHandler,
	})

	var torFacade *tor.Facade
	var torSocksAddr string
	if cfg.UseTor {
		torFacade = tor.New(cfg.Tor, logger)
		if err := torFacade.Start(cfg.Tor.ServicePort, cfg.DefaultPort); err != nil {
			return fmt.Errorf("start tor facade: %w", err)
		}
		logger.WithField("onion_address", torFacade.OnionAddress()).Info("tor hidden service published")
		torSocksAddr = torFacade.SocksAddr()
	}

	connMgr := p2p.New(p2p.Deps{
		Config:       cfg,
		Identity:     id,
		Sessions:     sessions,
		Dispatcher:   disp,
		Limiter:      limiter,
		ErrHandler:   errHandler,
		Metrics:      m,
		AddrBook:     addrBook,
		Logger:       logger,
		TorSocksAddr: torSocksAddr,
	})
	syncMgr.SetPeers(connMgr)

	if err := connMgr.Start(); err != nil {
		if torFacade != nil {
			torFacade.Stop()
		}
		return fmt.Errorf("start connection manager: %w", err)
	}
	syncMgr.Start()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	syncMgr.Stop()
	if err := connMgr.Stop(); err != nil {
		logger.WithError(err).Warn("connection manager stop reported an error")
	}
	_ = metricsSrv.Close()
	if torFacade != nil {
		if err := torFacade.Stop(); err != nil {
			logger.WithError(err).Warn("tor facade stop reported an error")
		}
	}
	return nil
}
