package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"github.com/twzrd/go-oracle-keeper/api"
	"github.com/twzrd/go-oracle-keeper/business/domain/keeper"
	"github.com/twzrd/go-oracle-keeper/business/domain/ring"
	"github.com/twzrd/go-oracle-keeper/business/domain/sealer"
	"github.com/twzrd/go-oracle-keeper/external/ledger"
	"github.com/twzrd/go-oracle-keeper/external/participation"
	"github.com/twzrd/go-oracle-keeper/infrastructure/store/pebbledb"
	"github.com/twzrd/go-oracle-keeper/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "TWZRD_KEEPER"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] main: could not load .env file: %v", err)
	}

	var cfg struct {
		Ledger struct {
			Endpoints        []string      `conf:"default:http://localhost:8899"`
			Program          string        `conf:"default:twzrd-oracle"`
			RequestTimeout   time.Duration `conf:"default:20s"`
			EndpointCoolDown time.Duration `conf:"default:30s"`
		}
		Broker struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			ConsumeTopic     string   `conf:"default:twzrd-participation"`
			ConsumerGroup    string   `conf:"default:twzrd-keeper"`
		}
		Epoch struct {
			Duration     time.Duration `conf:"default:1h"`
			RingSlots    int           `conf:"default:10"`
			SlotCapacity int           `conf:"default:1024"`
			RewardAmount uint64        `conf:"default:1000"`
		}
		Keeper struct {
			TickInterval        time.Duration `conf:"default:1m"`
			DryRun              bool          `conf:"default:false"`
			RetryBaseDelay      time.Duration `conf:"default:500ms"`
			RetryMaxDelay       time.Duration `conf:"default:10s"`
			MaxRetries          int           `conf:"default:5"`
			MaxParallelChannels int           `conf:"default:8"`
			EvictionRiskWindow  uint64        `conf:"default:2"`
			LateEventPolicy     string        `conf:"default:drop"`
		}
		Sync struct {
			InternalStoreFolder string `conf:"default:store"`
			ServerPort          int    `conf:"default:8000"`
			MetricsPort         int    `conf:"default:9999"`
			MetricsNamespace    string `conf:"default:twzrd_keeper"`
		}
	}

	help, err := conf.Parse(envPrefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := pebbledb.NewKeeperStore(cfg.Sync.InternalStoreFolder)
	if err != nil {
		return fmt.Errorf("creating keeper store: %w", err)
	}
	defer store.Close()

	m := kprom.NewMetrics(cfg.Sync.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(m),
		kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
		kgo.ConsumeTopics(cfg.Broker.ConsumeTopic),
		kgo.ConsumerGroup(cfg.Broker.ConsumerGroup),
		kgo.BlockRebalanceOnPoll(),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	defer kcl.Close()

	ledgerClient, err := ledger.NewClient(cfg.Ledger.Endpoints, cfg.Ledger.Program,
		cfg.Ledger.RequestTimeout, cfg.Ledger.EndpointCoolDown)
	if err != nil {
		return fmt.Errorf("creating ledger client: %w", err)
	}

	keeperMetrics := metrics.NewKeeperMetrics(cfg.Sync.MetricsNamespace)
	consumeMetrics := metrics.NewConsumeMetrics(cfg.Sync.MetricsNamespace)

	rings := ring.NewRegistry(cfg.Epoch.RingSlots, cfg.Epoch.SlotCapacity)
	epochSealer := sealer.NewSealer(store, store, sealer.Config{
		EpochDuration: cfg.Epoch.Duration,
		SlotCapacity:  cfg.Epoch.SlotCapacity,
		RewardAmount:  cfg.Epoch.RewardAmount,
	}, sLogger)

	keeperLoop := keeper.NewKeeper(ledgerClient, epochSealer, store, rings, keeper.Config{
		TickInterval:        cfg.Keeper.TickInterval,
		DryRun:              cfg.Keeper.DryRun,
		RetryBaseDelay:      cfg.Keeper.RetryBaseDelay,
		RetryMaxDelay:       cfg.Keeper.RetryMaxDelay,
		MaxRetries:          cfg.Keeper.MaxRetries,
		MaxParallelChannels: cfg.Keeper.MaxParallelChannels,
		EvictionRiskWindow:  cfg.Keeper.EvictionRiskWindow,
	}, keeperMetrics, sLogger)

	participationClient := participation.NewClient(kcl, int64(cfg.Epoch.Duration.Seconds()), consumeMetrics)
	consumer := participation.NewConsumer(participationClient, store,
		participation.LatePolicy(cfg.Keeper.LateEventPolicy), cfg.Epoch.Duration, consumeMetrics, sLogger)

	if cfg.Keeper.DryRun {
		sLogger.Warn("Keeper running in dry-run mode, no ledger mutations will be submitted.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keeperError := make(chan error, 1)
	go func() {
		keeperError <- keeperLoop.Run(ctx)
	}()

	consumeError := make(chan error, 1)
	go func() {
		consumeError <- consumer.Consume(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// status and metrics endpoint
	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		// three missed ticks flip health to DOWN
		server := api.NewHandler(keeperLoop, 3*cfg.Keeper.TickInterval)
		mux.HandleFunc("/health", server.GetHealth)
		log.Printf("main: Starting server on port [%d].", cfg.Sync.ServerPort)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Sync.ServerPort), mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Sync.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Sync.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-keeperError:
			return fmt.Errorf("keeper error: %v", err)
		case err := <-consumeError:
			return fmt.Errorf("consuming error: %v", err)
		case err := <-apiError:
			return fmt.Errorf("starting api server: %v", err)
		case err := <-metricsError:
			return fmt.Errorf("starting metrics server: %v", err)
		}
	}
}
