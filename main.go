package main

import (
	"context"
	"encoding/json"
	errs "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
	"github.com/dmitrorezn/bundler-validator/internal/faststore"
	"github.com/dmitrorezn/bundler-validator/internal/journal"
	"github.com/dmitrorezn/bundler-validator/internal/ledger"
	"github.com/dmitrorezn/bundler-validator/internal/peers"
	"github.com/dmitrorezn/bundler-validator/internal/pool"
	"github.com/dmitrorezn/bundler-validator/internal/receipt"
	"github.com/dmitrorezn/bundler-validator/internal/reconcile"
	"github.com/dmitrorezn/bundler-validator/internal/signature"
	"github.com/dmitrorezn/bundler-validator/internal/slasher"
)

var log = logrus.WithField("prefix", "main")

type Config struct {
	ServerCfg
	LogCfg
	DiskStoreCfg
	ConsensusCfg
	KeysCfg
	LedgerCfg
	ReconcileCfg
	VotesCfg
	FastStore string        `env:"FAST_STORE" envDefault:"memory"`
	LockTTL   time.Duration `env:"LOCK_TTL" envDefault:"30s"`
}

type ServerCfg struct {
	RPCAddr     string        `env:"RPC_ADDR" envDefault:":8080"`
	PublicURL   string        `env:"PUBLIC_URL"`
	Peers       string        `env:"PEERS"`
	PeerTimeout time.Duration `env:"PEER_TIMEOUT" envDefault:"5s"`
}

type LogCfg struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

type KeysCfg struct {
	ValidatorKeyPath string `env:"VALIDATOR_KEY_PATH" envDefault:"wallet.json"`
	BundlerPublic    string `env:"BUNDLER_PUBLIC"`
	BundlerURL       string `env:"BUNDLER_URL"`
}

type LedgerCfg struct {
	GatewayURL string `env:"GATEWAY_URL" envDefault:"https://arweave.net"`
	DataDir    string `env:"DATA_DIR" envDefault:"bundles"`
}

type ReconcileCfg struct {
	Interval         time.Duration `env:"RECONCILE_INTERVAL" envDefault:"2m"`
	Limit            int           `env:"RECONCILE_LIMIT" envDefault:"50"`
	HeadPollInterval time.Duration `env:"HEAD_POLL_INTERVAL" envDefault:"30s"`
	EpochLength      int64         `env:"EPOCH_LENGTH" envDefault:"720"`
}

type VotesCfg struct {
	SinkURL       string        `env:"VOTE_SINK_URL"`
	FlushInterval time.Duration `env:"VOTE_FLUSH_INTERVAL" envDefault:"5s"`
	Capacity      int64         `env:"VOTE_BUFFER_CAPACITY" envDefault:"1000"`
	Journal       string        `env:"VOTE_JOURNAL" envDefault:"persist/votes.log"`
}

const (
	fastStoreMemory = "memory"
	fastStoreRaft   = "raft"
)

var (
	envFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file loaded before reading the environment",
	}
	noCronFlag = &cli.BoolFlag{
		Name:  "no-cron",
		Usage: "do not run reconciliation passes",
	}
	pendingFlag = &cli.BoolFlag{
		Name:  "pending",
		Usage: "only print votes not yet published",
	}
	noServerFlag = &cli.BoolFlag{
		Name:  "no-server",
		Usage: "do not serve the HTTP API",
	}
)

func main() {
	app := cli.App{
		Name:  "validator",
		Usage: "countersigns bundler promises and votes to slash broken ones",
		Flags: []cli.Flag{envFileFlag},
		Before: func(ctx *cli.Context) error {
			if path := ctx.String(envFileFlag.Name); path != "" {
				return errors.Wrap(godotenv.Load(path), "godotenv.Load")
			}
			_ = godotenv.Load()

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the validator node",
				Flags:  []cli.Flag{noCronFlag, noServerFlag},
				Action: run,
			},
			{
				Name:   "address",
				Usage:  "print the validator and bundler addresses",
				Action: printAddresses,
			},
			{
				Name:   "votes",
				Usage:  "print the slash votes recorded in the vote journal",
				Flags:  []cli.Flag{pendingFlag},
				Action: printVotes,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func loadConfig() (cfg Config, err error) {
	for _, c := range []any{
		&cfg,
		&cfg.ServerCfg,
		&cfg.LogCfg,
		&cfg.DiskStoreCfg,
		&cfg.ConsensusCfg,
		&cfg.KeysCfg,
		&cfg.LedgerCfg,
		&cfg.ReconcileCfg,
		&cfg.VotesCfg,
	} {
		if err = env.Parse(c); err != nil {
			return cfg, errors.Wrap(err, "env.Parse")
		}
	}
	if cfg.BundlerPublic == "" {
		return cfg, errors.New("BUNDLER_PUBLIC is required")
	}
	if cfg.FastStore != fastStoreMemory && cfg.FastStore != fastStoreRaft {
		return cfg, errors.Errorf("FAST_STORE must be %s or %s", fastStoreMemory, fastStoreRaft)
	}

	return cfg, nil
}

func configureLogging(cfg LogCfg) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "ParseLevel")
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "text":
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		logrus.SetFormatter(formatter)
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %s", cfg.Format)
	}

	return nil
}

func loadKeys(cfg KeysCfg) (*signature.Service, error) {
	validatorKey, err := signature.LoadPrivateKey(cfg.ValidatorKeyPath)
	if err != nil {
		return nil, err
	}
	bundlerKey, err := signature.PublicKeyFromModulus(cfg.BundlerPublic)
	if err != nil {
		return nil, err
	}

	return signature.NewService(validatorKey, bundlerKey)
}

func printAddresses(cliCtx *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := loadKeys(cfg.KeysCfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cliCtx.App.Writer, "validator %s\nbundler   %s\n", keys.ValidatorAddress(), keys.BundlerAddress())

	return err
}

func printVotes(cliCtx *cli.Context) error {
	var cfg VotesCfg
	if err := env.Parse(&cfg); err != nil {
		return errors.Wrap(err, "env.Parse")
	}
	votes, err := journal.Open(cfg.Journal)
	if err != nil {
		return err
	}
	defer closeLogged("vote journal", votes.Close)

	read := votes.ReadAll
	if cliCtx.Bool(pendingFlag.Name) {
		read = votes.Unpublished
	}
	recorded, err := read()
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cliCtx.App.Writer)
	for _, v := range recorded {
		if err = encoder.Encode(v); err != nil {
			return errors.Wrap(err, "Encode")
		}
	}

	return nil
}

func run(cliCtx *cli.Context) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err = configureLogging(cfg.LogCfg); err != nil {
		return err
	}
	keys, err := loadKeys(cfg.KeysCfg)
	if err != nil {
		return err
	}
	fallbackPeers, err := peers.Parse(cfg.Peers)
	if err != nil {
		return errors.Wrap(err, "PEERS")
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := NewDB(cfg.DiskStoreCfg)
	if err != nil {
		return err
	}
	defer closeLogged("disk store", store.Close)

	fast, closeFast, err := newFastStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLogged("fast store", closeFast)

	votes, err := journal.Open(cfg.VotesCfg.Journal)
	if err != nil {
		return err
	}
	defer closeLogged("vote journal", votes.Close)

	var publisher pool.Publisher = pool.LogPublisher{}
	if cfg.SinkURL != "" {
		publisher = pool.NewHTTPPublisher(cfg.SinkURL, nil)
	}
	votePool := pool.NewVotePool(publisher, votes, cfg.Capacity, cfg.FlushInterval)
	restored, err := votePool.Restore()
	if err != nil {
		return errors.Wrap(err, "restore slash votes")
	}
	if restored > 0 {
		log.WithField("votes", restored).Info("Restored unpublished slash votes")
	}

	arweave := ledger.NewClient(cfg.GatewayURL, cfg.DataDir, nil)
	engine, err := reconcile.New(
		arweave,
		store,
		peers.New(fallbackPeers, nil, cfg.PeerTimeout),
		slasher.New(votePool),
		cfg.Limit,
	)
	if err != nil {
		return err
	}

	svc := NewService(
		ServiceCfg{
			Bundler:           domain.Bundler{Address: keys.BundlerAddress(), URL: cfg.BundlerURL},
			Validator:         domain.Validator{Address: keys.ValidatorAddress(), URL: cfg.PublicURL},
			EpochLength:       cfg.EpochLength,
			ReconcileInterval: cfg.Interval,
			HeadPollInterval:  cfg.HeadPollInterval,
		},
		store,
		fast,
		receipt.New(fast, keys, store, cfg.LockTTL),
		engine,
		arweave,
	)

	log.WithFields(logrus.Fields{
		"validator": keys.ValidatorAddress(),
		"bundler":   keys.BundlerAddress(),
		"peers":     len(fallbackPeers),
		"fastStore": cfg.FastStore,
	}).Info("Starting validator")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return votePool.Run(ctx)
	})
	g.Go(func() error {
		return svc.RunHeadPoller(ctx)
	})
	if !cliCtx.Bool(noCronFlag.Name) {
		g.Go(func() error {
			return svc.RunReconciler(ctx)
		})
	}
	if !cliCtx.Bool(noServerFlag.Name) {
		server := &http.Server{
			Addr:              cfg.RPCAddr,
			Handler:           newRouter(svc),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "ListenAndServe")
			}

			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newFastStore(ctx context.Context, cfg Config) (faststore.Store, func() error, error) {
	if cfg.FastStore == fastStoreMemory {
		return faststore.NewMemory(), func() error { return nil }, nil
	}

	fsm := NewFSM()
	consensus, err := NewConsensus(cfg.ConsensusCfg, fsm)
	if err != nil {
		return nil, nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	leader, err := consensus.WaitForLeader(waitCtx)
	if err != nil {
		return nil, nil, errors.Wrap(errs.Join(err, consensus.Close()), "WaitForLeader")
	}
	log.WithField("leader", leader).Info("Raft leader elected")
	if cfg.Join != "" && leader == cfg.RaftAddr {
		if err = consensus.Join(strings.Split(cfg.Join, ",")...); err != nil {
			log.WithError(err).Warn("Could not add raft voters")
		}
	}

	return NewRaftStore(consensus, fsm, cfg.Timeout), consensus.Close, nil
}

func closeLogged(name string, closer func() error) {
	if err := closer(); err != nil {
		log.WithError(err).WithField("resource", name).Error("Close failed")
	}
}
