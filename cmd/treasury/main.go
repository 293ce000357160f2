// Package main runs the treasury server: a custodial vault on Base
// whose ETH/USDC allocation follows deposit-weighted votes, with
// pro-rata settlement on claim.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/wagmilabs/treasury/cmd/treasury/flags"
	"github.com/wagmilabs/treasury/node"
	"github.com/wagmilabs/treasury/runtime/version"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.VerbosityFlag,
	flags.LogFormat,
	flags.ConfigFileFlag,
	flags.EnvFileFlag,
	flags.ChainConfigFileFlag,
	flags.RPCEndpointFlag,
	flags.VaultKeyFlag,
	flags.VaultAddressFlag,
	flags.HTTPHostFlag,
	flags.HTTPPortFlag,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
	flags.KVBackendFlag,
	flags.RedisURLFlag,
	flags.AggregatorHostFlag,
	flags.PriceHostFlag,
	flags.RebalanceExecuteFlag,
	flags.SettlementExecuteFlag,
}

func startNode(cliCtx *cli.Context) error {
	verbosity := cliCtx.String(flags.VerbosityFlag.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	treasury, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	treasury.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "treasury"
	app.Usage = "runs the wagmi custodial treasury server on Base"
	app.Version = version.GetVersion()
	app.Flags = appFlags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		if ctx.IsSet(flags.EnvFileFlag.Name) {
			if err := godotenv.Load(ctx.String(flags.EnvFileFlag.Name)); err != nil {
				return err
			}
		}
		// Load any flags from file, if specified.
		if ctx.IsSet(flags.ConfigFileFlag.Name) {
			if err := altsrc.InitInputSourceWithContext(
				appFlags,
				altsrc.NewYamlSourceFromFlagFunc(
					flags.ConfigFileFlag.Name))(ctx); err != nil {
				return err
			}
		}

		format := ctx.String(flags.LogFormat.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		runtime.GOMAXPROCS(runtime.NumCPU())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
