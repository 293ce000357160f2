// Package node wires every treasury service together and handles the
// lifecycle of the process: the kv store, the chain client, the job
// worker, the HTTP API and the monitoring endpoints.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/wagmilabs/treasury/cmd/treasury/flags"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/evm"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/locks"
	"github.com/wagmilabs/treasury/monitoring/prometheus"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/quotes"
	"github.com/wagmilabs/treasury/rebalance"
	"github.com/wagmilabs/treasury/runtime"
	"github.com/wagmilabs/treasury/server"
	"github.com/wagmilabs/treasury/settlement"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"
	"github.com/wagmilabs/treasury/worker"
)

var log = logrus.WithField("prefix", "node")

// TreasuryNode handles the services running the custodial treasury. It
// handles the lifecycle of the entire system and registers services to
// a service registry.
type TreasuryNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	lock     sync.RWMutex
	services *runtime.ServiceRegistry
	stop     chan struct{} // Channel to wait for termination notifications.
	store    kv.Store
}

// New creates a new node instance, sets up configuration options, and
// registers every required service.
func New(cliCtx *cli.Context) (*TreasuryNode, error) {
	if cliCtx.IsSet(flags.ChainConfigFileFlag.Name) {
		if err := params.LoadTreasuryConfigFile(cliCtx.String(flags.ChainConfigFileFlag.Name)); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(cliCtx.Context)

	node := &TreasuryNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}
	if err := node.registerServices(); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

func (n *TreasuryNode) registerServices() error {
	cliCtx := n.cliCtx
	tcfg := params.TreasuryConfig()

	store, err := n.startKV()
	if err != nil {
		return err
	}
	n.store = store

	chainClient, err := evm.Dial(n.ctx, cliCtx.String(flags.RPCEndpointFlag.Name))
	if err != nil {
		return err
	}

	keyHex := cliCtx.String(flags.VaultKeyFlag.Name)
	addressOverride := cliCtx.String(flags.VaultAddressFlag.Name)
	var wallet common.Address
	var transactor *evm.Transactor
	switch {
	case keyHex != "":
		transactor, err = evm.NewTransactor(chainClient, keyHex, addressOverride, tcfg.ChainID)
		if err != nil {
			return err
		}
		wallet = transactor.Address()
	case addressOverride != "":
		if !common.IsHexAddress(addressOverride) {
			return errors.Errorf("invalid vault address %s", addressOverride)
		}
		wallet = common.HexToAddress(addressOverride)
		log.Warn("No vault key configured, running in read-only mode")
	default:
		return errors.New("either a vault key or a vault address is required")
	}
	log.WithField("vault", wallet.Hex()).Info("Treasury vault configured")

	rebalanceExecute := cliCtx.Bool(flags.RebalanceExecuteFlag.Name)
	settlementExecute := cliCtx.Bool(flags.SettlementExecuteFlag.Name)
	if (rebalanceExecute || settlementExecute) && transactor == nil {
		return errors.New("execute mode requires the vault key")
	}

	oracle, err := pricing.NewCoinbaseOracle(cliCtx.String(flags.PriceHostFlag.Name))
	if err != nil {
		return err
	}
	aggregator, err := quotes.NewClient(cliCtx.String(flags.AggregatorHostFlag.Name))
	if err != nil {
		return err
	}

	l := ledger.New(store)
	voteStore := votes.NewStore(store, l)
	prices := pricing.NewService(store, oracle)
	reader := vault.NewReader(chainClient, wallet)
	queue := jobs.NewQueue(store)
	registry := locks.NewRegistry(store)

	rebalanceSvc := rebalance.NewService(&rebalance.ServiceConfig{
		Store:      store,
		Client:     chainClient,
		Reader:     reader,
		Prices:     prices,
		Votes:      voteStore,
		Aggregator: aggregator,
		Transactor: transactor,
		Wallet:     wallet,
		Execute:    rebalanceExecute,
	})
	settlementSvc := settlement.NewService(&settlement.ServiceConfig{
		Store:      store,
		Ledger:     l,
		Votes:      voteStore,
		Reader:     reader,
		Queue:      queue,
		Transactor: transactor,
		Execute:    settlementExecute,
	})

	workerSvc := worker.New(n.ctx, &worker.Config{
		Queue:      queue,
		Rebalance:  rebalanceSvc,
		Settlement: settlementSvc,
	})
	if err := n.services.RegisterService(workerSvc); err != nil {
		return err
	}

	httpSvc, err := server.New(&server.Config{
		Addr:       fmt.Sprintf("%s:%d", cliCtx.String(flags.HTTPHostFlag.Name), cliCtx.Int(flags.HTTPPortFlag.Name)),
		Store:      store,
		Client:     chainClient,
		Ledger:     l,
		Votes:      voteStore,
		Prices:     prices,
		Reader:     reader,
		Queue:      queue,
		Locks:      registry,
		Worker:     workerSvc,
		Settlement: settlementSvc,
	})
	if err != nil {
		return err
	}
	if err := n.services.RegisterService(httpSvc); err != nil {
		return err
	}

	monitoringAddr := fmt.Sprintf("%s:%d",
		cliCtx.String(flags.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name))
	return n.services.RegisterService(prometheus.NewService(monitoringAddr, n.services))
}

func (n *TreasuryNode) startKV() (kv.Store, error) {
	backend := n.cliCtx.String(flags.KVBackendFlag.Name)
	switch backend {
	case "redis":
		return kv.NewRedisStore(n.ctx, n.cliCtx.String(flags.RedisURLFlag.Name))
	case "memory":
		log.Warn("Using the in-memory kv backend, state will not survive a restart")
		return kv.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown kv backend %s", backend)
	}
}

// Start the treasury node and kick off every registered service.
func (n *TreasuryNode) Start() {
	n.lock.Lock()
	n.services.StartAll()
	n.lock.Unlock()

	stop := n.stop
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the treasury node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *TreasuryNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping treasury node")
	n.services.StopAll()
	n.cancel()
	close(n.stop)
}
