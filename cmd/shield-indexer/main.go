package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juno-intents/shielded-pool/internal/api"
	"github.com/juno-intents/shielded-pool/internal/blobstore"
	"github.com/juno-intents/shielded-pool/internal/commitment"
	commitmentpg "github.com/juno-intents/shielded-pool/internal/commitment/postgres"
	commitmentsqlite "github.com/juno-intents/shielded-pool/internal/commitment/sqlite"
	"github.com/juno-intents/shielded-pool/internal/eventbus"
	"github.com/juno-intents/shielded-pool/internal/indexer"
	"github.com/juno-intents/shielded-pool/internal/jobqueue"
	"github.com/juno-intents/shielded-pool/internal/leases"
	leasespg "github.com/juno-intents/shielded-pool/internal/leases/postgres"
	"github.com/juno-intents/shielded-pool/internal/merkle"
	"github.com/juno-intents/shielded-pool/internal/metrics"
	"github.com/juno-intents/shielded-pool/internal/relayer"
	"github.com/juno-intents/shielded-pool/internal/secrets"
	"github.com/juno-intents/shielded-pool/internal/solanachain"
)

// envPrefix names the environment fallback of every flag: --rpc-url reads
// SHIELD_RPC_URL when not given on the command line.
const envPrefix = "SHIELD_"

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		logLevel   = flag.String("log-level", "info", "log level: debug|info|warn|error")

		storeDriver = flag.String("store-driver", "postgres", "commitment store driver: postgres|sqlite|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")
		sqlitePath  = flag.String("sqlite-path", "shield-indexer.db", "SQLite database path (when --store-driver=sqlite)")

		leaseTTL       = flag.Duration("writer-lease-ttl", 0, "elect one writer among replicas sharing --postgres-dsn (0 disables)")
		leaseName      = flag.String("writer-lease-name", "", "writer lease name (default: shield-indexer/<program-id>)")
		standbyRefresh = flag.Duration("standby-refresh", 15*time.Second, "how often a replica waiting for the writer lease rebuilds its tree")

		rpcURL      = flag.String("rpc-url", "", "Solana JSON-RPC URL (required)")
		wsURL       = flag.String("ws-url", "", "Solana websocket URL (default: derived from --rpc-url)")
		programID   = flag.String("program-id", "", "shielded pool program id (required)")
		chainCommit = flag.String("commitment", string(rpc.CommitmentConfirmed), "chain commitment level: confirmed|finalized")

		treeLevels  = flag.Int("tree-levels", 26, "Merkle tree depth; must equal the circuit depth")
		rootHistory = flag.Int("root-history", merkle.DefaultRootHistory, "number of recent roots accepted for proofs")

		pageSize   = flag.Int("backfill-page-size", 1000, "signatures per history page")
		pageDelay  = flag.Duration("backfill-page-delay", 200*time.Millisecond, "delay between history pages")
		maxRetries = flag.Uint64("backfill-max-retries", 5, "retries per RPC call or reconcile during sync")
		backfill   = flag.Bool("backfill", true, "replay program history before following live events")

		relayerEnabled = flag.Bool("relayer-enabled", false, "accept relay jobs")
		keySecret      = flag.String("relayer-key-secret", "RELAYER_KEYPAIR", "secret (or env var) holding the relayer keypair")
		secretsDriver  = flag.String("secrets-driver", secrets.DriverEnv, "relayer key source: aws|env")
		feeRecipient   = flag.String("fee-recipient", "", "required fee recipient of relayed requests (default: any)")
		minFee         = flag.Uint64("min-fee", 0, "minimum relay fee in base units")
		aggregator     = flag.String("swap-aggregator", "", "swap aggregator program id (empty disables swaps)")
		cuLimit        = flag.Uint("compute-unit-limit", relayer.DefaultComputeUnitLimit, "compute unit limit per relay transaction")
		lookupTables   = flag.String("lookup-tables", "", "comma-separated address lookup tables")
		confirmTimeout = flag.Duration("confirm-timeout", relayer.DefaultConfirmTimeout, "time to wait for a relay transaction to confirm")
		jobRetention   = flag.Duration("job-retention", time.Hour, "how long terminal jobs stay queryable")
		maxPending     = flag.Int("max-pending-jobs", 1000, "maximum queued relay jobs (0 = unlimited)")
		sweepSchedule  = flag.String("sweep-schedule", "@every 1m", "cron schedule for sweeping terminal jobs")

		eventDriver  = flag.String("event-driver", "none", "commitment event fan-out: kafka|stdio|none")
		eventBrokers = flag.String("event-brokers", "", "comma-separated kafka brokers (required for kafka)")
		eventTopic   = flag.String("event-topic", eventbus.DefaultCommitmentTopic, "commitment event topic")
		eventTLS     = flag.Bool("event-tls", false, "use TLS for kafka")

		archiveDriver = flag.String("archive-driver", "none", "terminal job archive: s3|memory|none")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket (required when --archive-driver=s3)")
		archivePrefix = flag.String("archive-prefix", "shield-indexer", "S3 key prefix")

		corsOrigins = flag.String("cors-origins", "*", "comma-separated allowed CORS origins")
		maxPage     = flag.Uint64("max-page-size", api.DefaultPageSize, "maximum records per paginated response")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
		shutdownTimeout   = flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	)
	_ = godotenv.Load()
	flag.Parse()
	if err := applyEnv(flag.CommandLine, envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: --log-level: %v\n", err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *rpcURL == "" || *programID == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url and --program-id are required")
		os.Exit(2)
	}
	program, err := solana.PublicKeyFromBase58(*programID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --program-id: %v\n", err)
		os.Exit(2)
	}
	if *treeLevels <= 0 || *treeLevels > merkle.MaxLevels {
		fmt.Fprintf(os.Stderr, "error: --tree-levels must be in 1..%d\n", merkle.MaxLevels)
		os.Exit(2)
	}
	if *rootHistory <= 0 || *pageSize <= 0 || *maxPage == 0 {
		fmt.Fprintln(os.Stderr, "error: --root-history, --backfill-page-size, and --max-page-size must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *leaseTTL < 0 || (*leaseTTL > 0 && *storeDriver != "postgres") {
		fmt.Fprintln(os.Stderr, "error: --writer-lease-ttl requires --store-driver=postgres")
		os.Exit(2)
	}
	if *leaseTTL > 0 && *standbyRefresh <= 0 {
		fmt.Fprintln(os.Stderr, "error: --standby-refresh must be > 0")
		os.Exit(2)
	}
	commitmentLevel, err := parseCommitment(*chainCommit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *cuLimit == 0 || *cuLimit > 1_400_000 {
		fmt.Fprintln(os.Stderr, "error: --compute-unit-limit must be in 1..1400000")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, pool, closeStore, err := openStore(ctx, *storeDriver, *postgresDSN, *sqlitePath)
	if err != nil {
		log.Error("init commitment store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	var publisher indexer.Publisher
	if d := strings.ToLower(strings.TrimSpace(*eventDriver)); d != "" && d != "none" {
		producer, err := eventbus.NewProducer(eventbus.ProducerConfig{
			Driver:  d,
			Brokers: eventbus.SplitCommaList(*eventBrokers),
			TLS:     *eventTLS,
		})
		if err != nil {
			log.Error("init event producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		pub, err := eventbus.NewCommitmentPublisher(producer, *eventTopic)
		if err != nil {
			log.Error("init commitment publisher", "err", err)
			os.Exit(2)
		}
		publisher = pub
	}

	ix, err := indexer.New(indexer.Config{
		Levels:      *treeLevels,
		RootHistory: *rootHistory,
		Publisher:   publisher,
		Metrics:     m,
	}, store, log)
	if err != nil {
		log.Error("init indexer", "err", err)
		os.Exit(2)
	}
	// A store written with a different depth fails here; serving proofs from
	// a mismatched tree would produce roots the verifier never accepts.
	if err := ix.Rebuild(ctx); err != nil {
		log.Error("rebuild tree", "err", err)
		os.Exit(1)
	}

	chainOpts := []solanachain.Option{
		solanachain.WithCommitment(commitmentLevel),
		solanachain.WithLogger(log),
	}
	if *wsURL != "" {
		chainOpts = append(chainOpts, solanachain.WithWebsocketURL(*wsURL))
	}
	chain, err := solanachain.New(*rpcURL, program, chainOpts...)
	if err != nil {
		log.Error("init chain client", "err", err)
		os.Exit(2)
	}
	if err := chain.Ping(ctx); err != nil {
		log.Warn("rpc health check failed; sync will retry", "err", err)
	}

	var (
		queue   *jobqueue.Queue
		apiQ    api.Queue
		checker api.Checker
	)
	if *relayerEnabled {
		rl, err := newRelayer(ctx, relayerFlags{
			program:        program,
			secretsDriver:  *secretsDriver,
			keySecret:      *keySecret,
			feeRecipient:   *feeRecipient,
			aggregator:     *aggregator,
			minFee:         *minFee,
			cuLimit:        uint32(*cuLimit),
			lookupTables:   *lookupTables,
			confirmTimeout: *confirmTimeout,
		}, chain, ix, log)
		if err != nil {
			log.Error("init relayer", "err", err)
			os.Exit(2)
		}
		archive, err := openArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
		if err != nil {
			log.Error("init job archive", "err", err)
			os.Exit(2)
		}
		queue, err = jobqueue.New(jobqueue.Config{
			Retention:  *jobRetention,
			MaxPending: *maxPending,
			Archive:    archive,
			Metrics:    m,
		}, rl.Executors(), log)
		if err != nil {
			log.Error("init job queue", "err", err)
			os.Exit(2)
		}
		stopSweeper, err := queue.StartSweeper(ctx, *sweepSchedule)
		if err != nil {
			log.Error("init job sweeper", "err", err)
			os.Exit(2)
		}
		defer stopSweeper()
		apiQ, checker = queue, rl
		log.Info("relayer enabled", "authority", rl.Authority(), "swaps", *aggregator != "")
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := api.New(api.Config{
		MaxPageSize: *maxPage,
		CORSOrigins: eventbus.SplitCommaList(*corsOrigins),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, ix, apiQ, checker, log)
	if err != nil {
		log.Error("init http api", "err", err)
		os.Exit(2)
	}
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("shield-indexer listening", "addr", *listenAddr, "program", program, "levels", *treeLevels)
		errCh <- srv.ListenAndServe()
	}()

	syncCfg := indexer.SyncConfig{
		PageSize:   *pageSize,
		PageDelay:  *pageDelay,
		MaxRetries: *maxRetries,
	}
	// startWriter runs everything that mutates shared state: chain sync and
	// relay jobs. Reads are served before and regardless of election.
	startWriter := func(writerCtx context.Context) {
		if queue != nil {
			go func() {
				if err := queue.Run(writerCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("job worker stopped", "err", err)
				}
			}()
		}
		go func() {
			var hist indexer.HistorySource
			if *backfill {
				hist = chain
			}
			if err := ix.Sync(writerCtx, hist, chain, syncCfg); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("chain sync stopped", "err", err)
			}
		}()
	}
	writerErr := make(chan error, 1)
	if *leaseTTL > 0 {
		name := *leaseName
		if name == "" {
			name = "shield-indexer/" + program.String()
		}
		acquire := func(ctx context.Context) (context.Context, func(), error) {
			return holdWriterLease(ctx, pool, name, *leaseTTL, log)
		}
		go func() {
			writerErr <- runWriter(ctx, acquire, ix.Rebuild, *standbyRefresh, startWriter, log)
		}()
	} else {
		startWriter(ctx)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-writerErr:
		if err == nil {
			log.Info("shutdown", "reason", ctx.Err())
			break
		}
		// The tree may now lag a new writer; restart and rebuild.
		log.Error("shutdown", "reason", err)
		exitCode = 1
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if queue != nil {
		swept := queue.Sweep(shutdownCtx)
		log.Info("final job sweep", "swept", swept, "pending", queue.Pending())
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func holdWriterLease(ctx context.Context, pool *pgxpool.Pool, name string, ttl time.Duration, log *slog.Logger) (context.Context, func(), error) {
	st, err := leasespg.New(pool)
	if err != nil {
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	host, _ := os.Hostname()
	guard, err := leases.NewGuard(st, leases.GuardConfig{
		Name:   name,
		Holder: host + "/" + uuid.NewString(),
		TTL:    ttl,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("waiting for writer lease", "lease", name)
	return guard.Hold(ctx)
}

// applyEnv sets every flag not given on the command line from its
// environment variable, if present.
func applyEnv(fs *flag.FlagSet, prefix string) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		name := prefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			firstErr = fmt.Errorf("env %s: %w", name, err)
		}
	})
	return firstErr
}

func openStore(ctx context.Context, driver, dsn, path string) (commitment.Store, *pgxpool.Pool, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, nil, errors.New("--postgres-dsn is required when --store-driver=postgres")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init pgx pool: %w", err)
		}
		st, err := commitmentpg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return st, pool, pool.Close, nil
	case "sqlite":
		st, err := commitmentsqlite.Open(path)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, nil, func() { _ = st.Close() }, nil
	case "memory":
		return commitment.NewMemoryStore(), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported --store-driver %q", driver)
	}
}

func openArchive(ctx context.Context, driver, bucket, prefix string) (jobqueue.Archiver, error) {
	cfg := blobstore.Config{Driver: strings.ToLower(strings.TrimSpace(driver)), Prefix: prefix, Bucket: bucket}
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case blobstore.DriverS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	store, err := blobstore.New(cfg)
	if err != nil {
		return nil, err
	}
	return blobstore.NewJobArchive(store)
}

type relayerFlags struct {
	program        solana.PublicKey
	secretsDriver  string
	keySecret      string
	feeRecipient   string
	aggregator     string
	minFee         uint64
	cuLimit        uint32
	lookupTables   string
	confirmTimeout time.Duration
}

func newRelayer(ctx context.Context, f relayerFlags, chain relayer.ChainClient, roots relayer.RootChecker, log *slog.Logger) (*relayer.Relayer, error) {
	provider, err := secrets.New(ctx, f.secretsDriver)
	if err != nil {
		return nil, err
	}
	key, err := secrets.LoadKeypair(ctx, provider, f.keySecret)
	if err != nil {
		return nil, err
	}
	cfg := relayer.Config{
		Program:          f.program,
		MinFee:           f.minFee,
		ComputeUnitLimit: f.cuLimit,
		ConfirmTimeout:   f.confirmTimeout,
		Roots:            roots,
	}
	if f.feeRecipient != "" {
		if cfg.FeeRecipient, err = solana.PublicKeyFromBase58(f.feeRecipient); err != nil {
			return nil, fmt.Errorf("parse --fee-recipient: %w", err)
		}
	}
	if f.aggregator != "" {
		if cfg.Aggregator, err = solana.PublicKeyFromBase58(f.aggregator); err != nil {
			return nil, fmt.Errorf("parse --swap-aggregator: %w", err)
		}
	}
	for _, s := range eventbus.SplitCommaList(f.lookupTables) {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("parse --lookup-tables %q: %w", s, err)
		}
		cfg.LookupTables = append(cfg.LookupTables, pk)
	}
	return relayer.New(cfg, chain, key, log)
}
