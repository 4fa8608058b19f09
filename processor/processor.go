package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/legacyvault/vault-processor/config/database"
	"github.com/legacyvault/vault-processor/config/kafka"
	"github.com/legacyvault/vault-processor/config/redis"
	"github.com/legacyvault/vault-processor/keeper"
	"github.com/legacyvault/vault-processor/models"
	"github.com/legacyvault/vault-processor/pricefeed"
	"github.com/legacyvault/vault-processor/publisher"
	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

var kafkaConfig kafka.ServerConfig

const (
	envEnv                                 = "ENV"
	envVaultAllowedTokens                  = "VAULT_ALLOWED_TOKENS"
	envVaultCustodyAddress                 = "VAULT_CUSTODY_ADDRESS"
	envVaultGasFeeReceiver                 = "VAULT_GAS_FEE_RECEIVER"
	envVaultHTTPAddress                    = "VAULT_HTTP_ADDRESS"
	envVaultKafkaBootstrapServers          = "VAULT_KAFKA_BOOTSTRAP_SERVERS"
	envVaultKafkaEventsDeadLetterTopic     = "VAULT_KAFKA_EVENTS_DEAD_LETTER_TOPIC"
	envVaultKafkaEventsTopic               = "VAULT_KAFKA_EVENTS_TOPIC"
	envVaultKafkaOracleRoundsTopic         = "VAULT_KAFKA_ORACLE_ROUNDS_TOPIC"
	envVaultKafkaPassword                  = "VAULT_KAFKA_PASSWORD"
	envVaultKafkaScramAlgorithm            = "VAULT_KAFKA_SCRAM_ALGORITHM"
	envVaultKafkaTLS                       = "VAULT_KAFKA_TLS"
	envVaultKafkaUsername                  = "VAULT_KAFKA_USERNAME"
	envVaultProcessorDatabaseMaxConnection = "VAULT_PROCESSOR_DATABASE_MAX_CONNECTIONS"
	envVaultRedisCacheDB                   = "VAULT_REDIS_CACHE_DB"
	envVaultRedisCachePassword             = "VAULT_REDIS_CACHE_PASSWORD"
	envVaultRedisCacheTLS                  = "VAULT_REDIS_CACHE_TLS"
	envVaultRedisCacheURL                  = "VAULT_REDIS_CACHE_URL"
	envVaultRedisStoreDB                   = "VAULT_REDIS_STORE_DB"
	envVaultRedisStorePassword             = "VAULT_REDIS_STORE_PASSWORD"
	envVaultRedisStoreTLS                  = "VAULT_REDIS_STORE_TLS"
	envVaultRedisStoreURL                  = "VAULT_REDIS_STORE_URL"
	envVaultSubscriptionFeeReceiver        = "VAULT_SUBSCRIPTION_FEE_RECEIVER"
	envVaultSweepInterval                  = "VAULT_SWEEP_INTERVAL"
)

const oracleRoundKey = "oracle:latest_round"

type Config struct {
	Logger       *slog.Logger
	UseTelemetry bool
}

func initProducer(ctx context.Context, topicEnv string) (*kafka.Producer, error) {
	if os.Getenv(topicEnv) == "" {
		return nil, fmt.Errorf("%s variable is required", topicEnv)
	}

	topic := os.Getenv(topicEnv)
	producer, err := kafka.NewProducer(
		kafkaConfig,
		&kafka.ProducerConfig{
			Topic: topic,
		})
	if err != nil {
		return nil, err
	}

	err = producer.Ping(ctx)
	if err != nil {
		return nil, err
	}

	return producer, nil
}

func initFlagStore(ctx context.Context, name string) (*models.FlagStore, error) {
	redisDb, err := utils.GetEnvAsInt(envVaultRedisStoreDB, 0)
	if err != nil {
		return nil, err
	}

	redisConfig := redis.RedisConfig{
		Address:  os.Getenv(envVaultRedisStoreURL),
		Password: os.Getenv(envVaultRedisStorePassword),
		DB:       redisDb,
		UseTLS:   utils.GetEnvAsBool(envVaultRedisStoreTLS, false),
	}

	db, err := redis.NewRedisDB(ctx, redisConfig)
	if err != nil {
		return nil, err
	}

	return models.NewFlagStore(ctx, db, name), nil
}

func initPriceStore(ctx context.Context) (*models.PriceStore, error) {
	redisDb, err := utils.GetEnvAsInt(envVaultRedisCacheDB, 0)
	if err != nil {
		return nil, err
	}

	redisConfig := redis.RedisConfig{
		Address:  os.Getenv(envVaultRedisCacheURL),
		Password: os.Getenv(envVaultRedisCachePassword),
		DB:       redisDb,
		UseTLS:   utils.GetEnvAsBool(envVaultRedisCacheTLS, false),
	}

	db, err := redis.NewRedisDB(ctx, redisConfig)
	if err != nil {
		return nil, err
	}

	return models.NewPriceStore(ctx, db, oracleRoundKey), nil
}

func requiredAddress(logger *slog.Logger, key string) vault.Address {
	value := os.Getenv(key)
	if value == "" {
		utils.LogAndPanic(logger, fmt.Errorf("%s variable is required", key), "missing vault address configuration")
	}
	return vault.Address(value)
}

func allowedTokensEnv() []vault.Asset {
	raw := os.Getenv(envVaultAllowedTokens)
	if raw == "" {
		return nil
	}

	var tokens []vault.Asset
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token != "" {
			tokens = append(tokens, vault.Asset(token))
		}
	}
	return tokens
}

// StartVaultProcessor wires the ledger, its stores and the keeper loop, then
// serves until the context is canceled.
func StartVaultProcessor(ctx context.Context, config *Config) {
	serverBrokers := utils.ParseBrokersEnv(os.Getenv(envVaultKafkaBootstrapServers))
	if len(serverBrokers) == 0 {
		config.Logger.Error("brokers not found")
		panic("brokers not found")
	}

	kafkaConfig = kafka.ServerConfig{
		ScramAlgorithm: os.Getenv(envVaultKafkaScramAlgorithm),
		TLS:            utils.GetEnvAsBool(envVaultKafkaTLS, false),
		Servers:        serverBrokers,
		UseTelemetry:   config.UseTelemetry,
		UserName:       os.Getenv(envVaultKafkaUsername),
		Password:       os.Getenv(envVaultKafkaPassword),
	}

	eventsProducer, err := initProducer(ctx, envVaultKafkaEventsTopic)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "failed to initialize vault events producer")
	}

	eventsDeadLetterProducer, err := initProducer(ctx, envVaultKafkaEventsDeadLetterTopic)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "failed to initialize events dead letter queue producer")
	}

	maxConns, err := utils.GetEnvAsInt(envVaultProcessorDatabaseMaxConnection, 200)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error converting max connections into integer")
	}

	dbConfig := database.DBConfig{
		Url:      os.Getenv("DATABASE_URL"),
		MaxConns: int32(maxConns),
	}

	db, err := database.NewConnection(dbConfig)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error connecting to the database")
	}
	defer db.Close()
	vaultStore := models.NewVaultStore(db)

	flagger, err := initFlagStore(ctx, "swept_subscriptions")
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error connecting to the flag store")
	}
	defer flagger.Close()

	priceStore, err := initPriceStore(ctx)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error connecting to the oracle round store")
	}
	defer priceStore.Close()

	var feed vault.PriceFeed = priceStore
	var kafkaFeed *pricefeed.KafkaFeed
	if topic := os.Getenv(envVaultKafkaOracleRoundsTopic); topic != "" {
		kafkaFeed, err = pricefeed.NewKafkaFeed(kafkaConfig, topic)
		if err != nil {
			utils.LogAndPanic(config.Logger, err, "Error starting the oracle round consumer")
		}
		feed = pricefeed.NewLayeredFeed(kafkaFeed, priceStore)
	}

	state := vault.NewState(allowedTokensEnv())
	restoreResult := vaultStore.LoadActiveSubscriptions(ctx)
	if restoreResult.Failure() {
		utils.LogAndPanic(config.Logger, restoreResult.Error(), "Error restoring subscriptions from the database")
	}
	for _, sub := range restoreResult.Value() {
		state.Restore(sub)
	}
	config.Logger.Info("restored active subscriptions", slog.Int("count", len(restoreResult.Value())))

	custody := requiredAddress(config.Logger, envVaultCustodyAddress)
	feeConfig := vault.DefaultFeeConfig()
	guard := vault.NewCallGuard()
	bank := models.NewLedgerBank(db, custody)
	feeEngine := vault.NewFeeEngine(feed, feeConfig)
	events := vault.MultiSink{
		publisher.NewEventPublisherService(eventsProducer, eventsDeadLetterProducer, config.Logger),
		vaultStore,
	}

	lifecycle := vault.NewLifecycleService(vault.LifecycleConfig{
		State:          state,
		Guard:          guard,
		Fees:           feeEngine,
		Bank:           bank,
		Events:         events,
		Mirror:         vaultStore,
		FeeConfig:      feeConfig,
		Custody:        custody,
		GasFeeReceiver: requiredAddress(config.Logger, envVaultGasFeeReceiver),
		SubFeeReceiver: requiredAddress(config.Logger, envVaultSubscriptionFeeReceiver),
		Logger:         config.Logger,
	})

	sweeper := vault.NewSweepService(vault.SweepConfig{
		State:     state,
		Guard:     guard,
		Bank:      bank,
		Events:    events,
		Mirror:    vaultStore,
		Flagger:   flagger,
		FeeConfig: feeConfig,
		Logger:    config.Logger,
	})

	sweepInterval, err := utils.GetEnvAsDuration(envVaultSweepInterval, time.Hour)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the sweep interval")
	}

	httpAddress := os.Getenv(envVaultHTTPAddress)
	if httpAddress == "" {
		httpAddress = ":8080"
	}
	server := &http.Server{
		Addr:    httpAddress,
		Handler: keeper.NewServer(lifecycle, sweeper, state, feeEngine, config.Logger).Router(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return keeper.NewWorker(sweeper, sweepInterval, config.Logger).Run(groupCtx)
	})

	if kafkaFeed != nil {
		group.Go(func() error {
			return kafkaFeed.Run(groupCtx)
		})
	}

	group.Go(func() error {
		config.Logger.Info("Starting http server", slog.String("address", httpAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		config.Logger.Error("Vault processor stopped with error", slog.String("error", err.Error()))
		utils.CaptureError(err)
		return
	}
	config.Logger.Info("Vault processor stopped")
}
