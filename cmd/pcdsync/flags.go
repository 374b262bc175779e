package main

import (
	"github.com/urfave/cli/v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:    "config-file",
		Usage:   "YAML configuration file",
		EnvVars: []string{"PCDSYNC_CONFIG"},
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format to use (text, json)",
		Value: "text",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the state store",
	}
	storeKindFlag = &cli.StringFlag{
		Name:  "store",
		Usage: "State store backend (memory, file, badger, bolt)",
	}
	keeperURLFlag = &cli.StringFlag{
		Name:  "keeper-url",
		Usage: "Keeper WebSocket endpoint",
	}
	proofURLFlag = &cli.StringFlag{
		Name:  "proof-url",
		Usage: "Base URL of the PCD proof backend",
	}
	proofModeFlag = &cli.StringFlag{
		Name:  "proof-mode",
		Usage: "Proof service mode (http, local)",
	}
	localKeyFlag = &cli.StringFlag{
		Name:    "local-key",
		Usage:   "Key for the in-process prover",
		EnvVars: []string{"PCDSYNC_LOCAL_KEY"},
	}
	spoolDirFlag = &cli.StringFlag{
		Name:  "spool-dir",
		Usage: "Directory of block delta JSON files",
	}
	adminAddrFlag = &cli.StringFlag{
		Name:  "admin-addr",
		Usage: "Listen address of the RESP admin endpoint; enables it",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Listen address of the Prometheus exporter; enables it",
	}
)

var appFlags = []cli.Flag{
	configFileFlag,
	verbosityFlag,
	logFormatFlag,
	dataDirFlag,
	storeKindFlag,
	keeperURLFlag,
	proofURLFlag,
	proofModeFlag,
	localKeyFlag,
	spoolDirFlag,
	adminAddrFlag,
	metricsAddrFlag,
}
