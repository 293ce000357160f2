// Package flags defines the command-line flags of the treasury server.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormat specifies the log output format.
	LogFormat = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd.",
		Value: "text",
	}
	// ConfigFileFlag specifies the filepath to load flag values.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "The filepath to a yaml file with flag values",
	}
	// EnvFileFlag loads environment variables from a dotenv file before
	// flags are parsed.
	EnvFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "The filepath to a .env file with secrets such as the vault key",
	}
	// ChainConfigFileFlag overrides the built-in treasury parameters.
	ChainConfigFileFlag = &cli.StringFlag{
		Name:  "chain-config-file",
		Usage: "The filepath to a yaml file with treasury parameter overrides",
	}

	// RPCEndpointFlag is the execution-layer JSON-RPC endpoint.
	RPCEndpointFlag = &cli.StringFlag{
		Name:    "rpc-endpoint",
		Usage:   "Execution-layer JSON-RPC endpoint of the target L2",
		Value:   "https://mainnet.base.org",
		EnvVars: []string{"TREASURY_RPC_ENDPOINT"},
	}
	// VaultKeyFlag is the hex-encoded vault signing key.
	VaultKeyFlag = &cli.StringFlag{
		Name:    "vault-key",
		Usage:   "Hex-encoded secp256k1 private key of the vault; required for execute mode",
		EnvVars: []string{"TREASURY_VAULT_KEY"},
	}
	// VaultAddressFlag forces an explicit vault address.
	VaultAddressFlag = &cli.StringFlag{
		Name:    "vault-address",
		Usage:   "Explicit vault address; must match the key-derived address when both are set",
		EnvVars: []string{"TREASURY_VAULT_ADDRESS"},
	}

	// HTTPHostFlag defines the address the API server listens on.
	HTTPHostFlag = &cli.StringFlag{
		Name:  "http-host",
		Usage: "Host on which the HTTP API server runs",
		Value: "127.0.0.1",
	}
	// HTTPPortFlag defines the port the API server listens on.
	HTTPPortFlag = &cli.IntFlag{
		Name:  "http-port",
		Usage: "Port on which the HTTP API server runs",
		Value: 8547,
	}
	// MonitoringHostFlag defines the address of the metrics server.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host used for listening and responding to metrics requests",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag defines the port of the metrics server.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used for listening and responding to metrics requests",
		Value: 8080,
	}

	// KVBackendFlag selects the key-value store implementation.
	KVBackendFlag = &cli.StringFlag{
		Name:  "kv-backend",
		Usage: "Key-value backend to use. Supports: redis, memory.",
		Value: "redis",
	}
	// RedisURLFlag is the redis connection string.
	RedisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Connection URL of the redis backend",
		Value:   "redis://localhost:6379",
		EnvVars: []string{"TREASURY_REDIS_URL"},
	}

	// AggregatorHostFlag is the swap aggregator base URL.
	AggregatorHostFlag = &cli.StringFlag{
		Name:    "aggregator-host",
		Usage:   "Base URL of the swap quote aggregator",
		Value:   "https://api.0x.org",
		EnvVars: []string{"TREASURY_AGGREGATOR_HOST"},
	}
	// PriceHostFlag is the spot price oracle base URL.
	PriceHostFlag = &cli.StringFlag{
		Name:  "price-host",
		Usage: "Base URL of the spot price oracle",
		Value: "https://api.coinbase.com",
	}

	// RebalanceExecuteFlag enables on-chain rebalance execution.
	RebalanceExecuteFlag = &cli.BoolFlag{
		Name:  "rebalance-execute",
		Usage: "Submit rebalance swap transactions instead of recording dry-run outcomes",
	}
	// SettlementExecuteFlag enables on-chain settlement transfers.
	SettlementExecuteFlag = &cli.BoolFlag{
		Name:  "settlement-execute",
		Usage: "Submit settlement transfer transactions instead of recording dry-run statuses",
	}
)
