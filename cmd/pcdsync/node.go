package main

import (
	"context"
	"fmt"

	"github.com/10yihang/pcdsync/internal/config"
	"github.com/10yihang/pcdsync/internal/coordinator"
	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/10yihang/pcdsync/internal/proofsvc"
	"github.com/10yihang/pcdsync/internal/store"
	"github.com/10yihang/pcdsync/internal/store/backend"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(configFileFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Store.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(storeKindFlag.Name) {
		cfg.Store.Kind = ctx.String(storeKindFlag.Name)
	}
	if ctx.IsSet(keeperURLFlag.Name) {
		cfg.Keeper.URL = ctx.String(keeperURLFlag.Name)
		cfg.Keeper.Enabled = true
	}
	if ctx.IsSet(proofURLFlag.Name) {
		cfg.ProofService.URL = ctx.String(proofURLFlag.Name)
	}
	if ctx.IsSet(proofModeFlag.Name) {
		cfg.ProofService.Mode = ctx.String(proofModeFlag.Name)
	}
	if ctx.IsSet(localKeyFlag.Name) {
		cfg.ProofService.LocalKey = ctx.String(localKeyFlag.Name)
	}
	if ctx.IsSet(spoolDirFlag.Name) {
		cfg.Coordinator.SpoolDir = ctx.String(spoolDirFlag.Name)
	}
	if ctx.IsSet(adminAddrFlag.Name) {
		cfg.Admin.Addr = ctx.String(adminAddrFlag.Name)
		cfg.Admin.Enabled = true
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = ctx.String(metricsAddrFlag.Name)
		cfg.Metrics.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newProofService builds the configured proof service, wrapped in a verify
// cache when enabled.
func newProofService(cfg *config.Config) (pcd.ProofService, error) {
	var svc pcd.ProofService
	switch cfg.ProofService.Mode {
	case config.ProofModeLocal:
		local, err := proofsvc.NewLocal([]byte(cfg.ProofService.LocalKey))
		if err != nil {
			return nil, err
		}
		svc = local
	default:
		client := proofsvc.NewHTTPClient(cfg.ProofService.URL, cfg.ProofService.Timeout)
		for k, v := range cfg.ProofService.Headers {
			client.SetHeader(k, v)
		}
		svc = client
	}

	if cfg.ProofService.VerifyCacheSize > 0 {
		cached, err := proofsvc.NewCachedVerifier(svc, cfg.ProofService.VerifyCacheSize)
		if err != nil {
			return nil, err
		}
		svc = cached
	}
	return svc, nil
}

// node is the wired state machine stack shared by every command.
type node struct {
	cfg   *config.Config
	store store.Store
	coord *coordinator.Coordinator
}

func newNode(ctx *cli.Context) (*node, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return newNodeFromConfig(ctx.Context, cfg)
}

func newNodeFromConfig(ctx context.Context, cfg *config.Config) (*node, error) {
	svc, err := newProofService(cfg)
	if err != nil {
		return nil, err
	}
	st, err := backend.Open(cfg.Store.Kind, cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
	}

	m := pcd.New(svc, st, cfg.Machine())
	if err := m.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"store":       cfg.Store.Kind,
		"initialized": m.IsInitialized(),
		"height":      m.Height(),
	}).Debug("Loaded PCD state")

	coord := coordinator.New(m, coordinator.NewSpoolSource(cfg.Coordinator.SpoolDir), cfg.CoordinatorConfig())
	return &node{cfg: cfg, store: st, coord: coord}, nil
}

func (n *node) machine() *pcd.Machine {
	return n.coord.Machine()
}

func (n *node) Close() {
	if err := n.store.Close(); err != nil {
		log.WithError(err).Error("Could not close store")
	}
}
