package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benmeehan/garden-sync/internal/api"
	"github.com/benmeehan/garden-sync/internal/automation"
	"github.com/benmeehan/garden-sync/internal/dispatcher"
	"github.com/benmeehan/garden-sync/internal/engine"
	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/ingest"
	"github.com/benmeehan/garden-sync/internal/metrics_collectors"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/benmeehan/garden-sync/internal/mq"
	"github.com/benmeehan/garden-sync/internal/notification"
	"github.com/benmeehan/garden-sync/internal/service_registry"
	"github.com/benmeehan/garden-sync/internal/services"
	"github.com/benmeehan/garden-sync/internal/state_managers"
	"github.com/benmeehan/garden-sync/internal/storage"
	"github.com/benmeehan/garden-sync/internal/timer"
	"github.com/benmeehan/garden-sync/internal/transport"
	"github.com/benmeehan/garden-sync/internal/utils"
	"github.com/benmeehan/garden-sync/pkg/file"
	"github.com/benmeehan/garden-sync/pkg/mqtt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("garden-sync exited")
	}
}

func newLogger(config *utils.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Logging.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func run(configPath string) error {
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(configPath, fileClient)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := newLogger(config)
	if level, _ := zerolog.ParseLevel(config.Logging.Level); level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	location, err := config.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", config.Engine.Timezone, err)
	}
	safetyDevices := make([]models.Device, 0, len(config.Engine.SafetyShutoffDevices))
	for _, raw := range config.Engine.SafetyShutoffDevices {
		d, err := models.ParseDevice(raw)
		if err != nil {
			return fmt.Errorf("safety_shutoff_devices: %w", err)
		}
		safetyDevices = append(safetyDevices, d)
	}

	clock := clockwork.NewRealClock()
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// Generate a unique MQTT Client ID by appending a UUID
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	log.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT client ID")

	// Restores the device subscriptions after the broker connection comes back.
	var ingestService atomic.Pointer[services.IngestService]

	// Initialize the shared MQTT connection
	mqttClient := mqtt.NewMqttService(fileClient)
	err = mqttClient.Initialize(mqtt.Options{
		Broker:         config.MQTT.Broker,
		ClientID:       config.MQTT.ClientID,
		Username:       config.MQTT.Username,
		Password:       config.MQTT.Password,
		CACertificate:  config.MQTT.CACertificate,
		ConnectTimeout: config.MQTT.ConnectTimeout,
		OnConnect: func() {
			if svc := ingestService.Load(); svc != nil && svc.Running() {
				if err := svc.Subscribe(); err != nil {
					log.Error().Err(err).Msg("Failed to restore subscriptions after reconnect")
				}
			}
		},
		OnConnectionLost: func(err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT connection: %w", err)
	}
	defer mqttClient.Disconnect(250)

	// Notification store
	var sinks []notification.Sink
	if config.Kafka.Enabled {
		kafkaSink := notification.NewKafkaSink(notification.NewKafkaWriter(config.Kafka.Brokers, config.Kafka.Topic))
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		log.Info().Strs("brokers", config.Kafka.Brokers).Str("topic", config.Kafka.Topic).Msg("Kafka notification sink enabled")
	}

	// Durable telemetry store
	var readingSink engine.ReadingSink
	if config.RabbitMQ.Enabled {
		conn, channel, err := mq.Dial(config.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer conn.Close()
		publisher, err := mq.NewPublisher(channel, config.RabbitMQ.Exchange, log.With().Str("component", "mq").Logger())
		if err != nil {
			return fmt.Errorf("failed to set up reading publisher: %w", err)
		}
		defer publisher.Close()
		readingSink = publisher
	}

	// Fired-minute persistence
	var firedStore storage.FiredStore
	if config.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		firedStore = storage.NewRedisFiredStore(rdb, config.Redis.FiredTTL)
	} else {
		firedStore = state_managers.NewFiredStateManager(config.FiredStateFile, fileClient, log.With().Str("component", "fired_state").Logger())
	}

	// Garden configuration source
	var configStore storage.ConfigStore
	if config.Postgres.Enabled {
		pool, err := storage.NewPool(startupCtx, config.Postgres.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		defer pool.Close()
		configStore = storage.NewPostgresConfigStore(pool)
	}

	workerPool := utils.NewWorkerPool(config.WorkerPool.Workers, config.WorkerPool.QueueSize)
	defer workerPool.Shutdown()

	broadcastHub := hub.NewHub(config.Hub.SessionBuffer, log.With().Str("component", "hub").Logger())
	notifier := notification.NewDispatcher(broadcastHub, workerPool, 5*time.Second, log.With().Str("component", "notification").Logger(), sinks...)

	timers := timer.NewManager(clock)
	timers.Start()
	defer timers.Stop()

	var eng *engine.Engine
	commandDispatcher := dispatcher.NewDispatcher(
		dispatcher.Config{
			AckTimeout:     config.Dispatcher.AckTimeout,
			MaxRetries:     config.Dispatcher.MaxRetries,
			PublishTimeout: config.Dispatcher.PublishTimeout,
		},
		transport.NewCommandPublisher(config.MQTT.TopicPrefix, config.MQTT.QOS, mqttClient, log.With().Str("component", "transport").Logger()),
		timers,
		func(res dispatcher.Result) { eng.HandleCommandResult(res) },
		log.With().Str("component", "dispatcher").Logger(),
	)

	eng = engine.New(engine.Options{
		Config: engine.Config{
			Garden: garden.Config{
				WindowSize:   config.Engine.WindowSize,
				WindowMaxAge: config.Engine.WindowMaxAge,
				GraceReports: config.Engine.GraceReports,
			},
			Bands: models.ConnectionBands{
				StaleAfter:        config.Engine.StaleAfter,
				DisconnectedAfter: config.Engine.DisconnectedAfter,
			},
			StoreTimeout: config.Engine.StoreTimeout,
			IdleEviction: config.Engine.IdleEviction,
		},
		Clock:      clock,
		Normalizer: ingest.NewNormalizer(config.MQTT.TopicPrefix, config.Engine.FutureSkew, config.Engine.MaxPayloadBytes),
		Evaluator: automation.NewEvaluator(automation.Config{
			SafetyShutoffDevices: safetyDevices,
			Location:             location,
		}, log.With().Str("component", "automation").Logger()),
		Dispatcher:  commandDispatcher,
		Broadcaster: broadcastHub,
		Notifier:    notifier,
		ConfigStore: configStore,
		FiredStore:  firedStore,
		ReadingSink: readingSink,
		Pool:        workerPool,
		Logger:      log.With().Str("component", "engine").Logger(),
	})
	defer eng.Stop()

	preloadCtx, cancelPreload := context.WithTimeout(context.Background(), 30*time.Second)
	_, err = eng.Preload(preloadCtx)
	cancelPreload()
	if err != nil {
		return fmt.Errorf("failed to preload gardens: %w", err)
	}

	metricsRegistry := metrics_collectors.NewMetricsRegistry()
	metricsRegistry.Register(&metrics_collectors.CPUMetricCollector{Logger: log})
	metricsRegistry.Register(&metrics_collectors.MemoryMetricCollector{Logger: log})
	metricsRegistry.Register(&metrics_collectors.GoroutineMetricCollector{Engine: eng, Logger: log})
	metricsRegistry.Register(&metrics_collectors.ProcessMetricCollector{Logger: log})
	metricsRegistry.Register(&metrics_collectors.EngineMetricCollector{Engine: eng})
	metricsRegistry.Register(&metrics_collectors.HubMetricCollector{Hub: broadcastHub})

	server := api.NewServer(api.Config{
		Addr:           config.HTTP.Addr,
		RequestTimeout: config.HTTP.RequestTimeout,
		PingInterval:   config.HTTP.PingInterval,
		WriteTimeout:   config.HTTP.WriteTimeout,
		Metrics:        metrics_collectors.Config(config.Metrics),
	}, eng, broadcastHub, metricsRegistry, log.With().Str("component", "api").Logger())

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(mqttClient, clock, log)
	if err := serviceRegistry.RegisterServices(config, eng, metricsRegistry, server); err != nil {
		return fmt.Errorf("failed to register services: %w", err)
	}
	if svc, ok := serviceRegistry.Service("ingest"); ok {
		ingestService.Store(svc.(*services.IngestService))
	}

	if err := serviceRegistry.StartServices(); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	log.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Some services failed to stop")
	}
	return nil
}
