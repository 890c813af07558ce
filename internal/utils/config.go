package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // schedule zones must resolve on hosts without zoneinfo

	"github.com/benmeehan/garden-sync/internal/constants"
	"github.com/benmeehan/garden-sync/pkg/file"
	"github.com/joho/godotenv"
)

// Config represents the structure of the configuration file.
type Config struct {
	Logging struct {
		Level  string `yaml:"level"`  // zerolog level name
		Pretty bool   `yaml:"pretty"` // Human readable console output
	} `yaml:"logging"`

	MQTT struct {
		Broker         string        `yaml:"broker"`          // MQTT broker address
		ClientID       string        `yaml:"client_id"`       // MQTT client ID
		Username       string        `yaml:"username"`        // MQTT username
		Password       string        `yaml:"password"`        // MQTT password
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the CA certificate
		TopicPrefix    string        `yaml:"topic_prefix"`    // Root of <prefix>/<gardenId>/<kind>
		QOS            int           `yaml:"qos"`             // QoS for subscriptions and commands
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // Timeout for the initial connection
	} `yaml:"mqtt"`

	HTTP struct {
		Addr           string        `yaml:"addr"`            // Listen address
		RequestTimeout time.Duration `yaml:"request_timeout"` // Bound on a single API call into the engine
		PingInterval   time.Duration `yaml:"ping_interval"`   // WebSocket keepalive
		WriteTimeout   time.Duration `yaml:"write_timeout"`   // WebSocket write deadline
	} `yaml:"http"`

	Engine struct {
		WindowSize           int           `yaml:"window_size"`            // Readings kept per garden
		WindowMaxAge         time.Duration `yaml:"window_max_age"`         // Oldest reading kept
		GraceReports         int           `yaml:"grace_reports"`          // Mismatching reports tolerated after a command
		StaleAfter           time.Duration `yaml:"stale_after"`            // Connected -> stale
		DisconnectedAfter    time.Duration `yaml:"disconnected_after"`     // Stale -> disconnected
		StoreTimeout         time.Duration `yaml:"store_timeout"`          // Bound on config/fired store calls
		IdleEviction         time.Duration `yaml:"idle_eviction"`          // Lifetime of an actor for an empty garden
		FutureSkew           time.Duration `yaml:"future_skew"`            // Accepted device clock lead
		MaxPayloadBytes      int           `yaml:"max_payload_bytes"`      // Larger device messages are rejected
		Timezone             string        `yaml:"timezone"`               // Default IANA zone for schedules
		SafetyShutoffDevices []string      `yaml:"safety_shutoff_devices"` // Switched off on high temperature
	} `yaml:"engine"`

	Dispatcher struct {
		AckTimeout     time.Duration `yaml:"ack_timeout"`     // Wait for a confirming report
		MaxRetries     int           `yaml:"max_retries"`     // Republishes before unconfirmed
		PublishTimeout time.Duration `yaml:"publish_timeout"` // Bound on one broker publish
	} `yaml:"dispatcher"`

	Hub struct {
		SessionBuffer int `yaml:"session_buffer"` // Events buffered per client session
	} `yaml:"hub"`

	WorkerPool struct {
		Workers   int `yaml:"workers"`    // Goroutines serving sinks and forwards
		QueueSize int `yaml:"queue_size"` // Pending jobs before TrySubmit rejects
	} `yaml:"worker_pool"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`   // Use Redis for fired minutes
		Addr     string        `yaml:"addr"`      // host:port
		Password string        `yaml:"password"`  // AUTH password
		DB       int           `yaml:"db"`        // Database index
		FiredTTL time.Duration `yaml:"fired_ttl"` // Expiry of fired-minute keys
	} `yaml:"redis"`

	FiredStateFile string `yaml:"fired_state_file"` // JSON file used when Redis is disabled

	Postgres struct {
		Enabled bool   `yaml:"enabled"` // Load garden configuration from Postgres
		URL     string `yaml:"url"`     // Connection string
	} `yaml:"postgres"`

	RabbitMQ struct {
		Enabled  bool   `yaml:"enabled"`  // Forward accepted readings
		URL      string `yaml:"url"`      // AMQP URL
		Exchange string `yaml:"exchange"` // Topic exchange for readings
	} `yaml:"rabbitmq"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"` // Deliver notifications to Kafka
		Brokers []string `yaml:"brokers"` // Bootstrap brokers
		Topic   string   `yaml:"topic"`   // Notification topic
	} `yaml:"kafka"`

	Services struct {
		Ingest struct {
			Enabled bool `yaml:"enabled"` // Subscribe to device topics
		} `yaml:"ingest"`

		Scheduler struct {
			Enabled  bool          `yaml:"enabled"`  // Emit schedule ticks
			Interval time.Duration `yaml:"interval"` // How often the clock is polled
		} `yaml:"scheduler"`

		Stats struct {
			Enabled  bool          `yaml:"enabled"`  // Log stats periodically
			Interval time.Duration `yaml:"interval"` // Interval between stats lines
			Timeout  time.Duration `yaml:"timeout"`  // Timeout for one collection
		} `yaml:"stats"`

		HTTP struct {
			Enabled bool `yaml:"enabled"` // Serve the API
		} `yaml:"http"`
	} `yaml:"services"`

	Metrics struct {
		MonitorCPU        bool `yaml:"monitor_cpu"`
		MonitorMemory     bool `yaml:"monitor_memory"`
		MonitorGoroutines bool `yaml:"monitor_goroutines"`
		MonitorProcess    bool `yaml:"monitor_process"`
	} `yaml:"metrics"`
}

// LoadConfig loads the YAML configuration from the specified file, fills defaults and
// applies environment overrides (a .env file is loaded first when present).
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	_ = godotenv.Load()
	config.applyEnv()
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnv() {
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Postgres.URL = getEnv("DATABASE_URL", c.Postgres.URL)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Dispatcher.AckTimeout = getEnvAsDuration("ACK_TIMEOUT", c.Dispatcher.AckTimeout)
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = constants.DefaultTopicPrefix
	}
	c.MQTT.TopicPrefix = strings.Trim(c.MQTT.TopicPrefix, "/")
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "garden-sync"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Engine.Timezone == "" {
		c.Engine.Timezone = "UTC"
	}
	if c.Engine.FutureSkew == 0 {
		c.Engine.FutureSkew = constants.DefaultFutureSkew
	}
	if c.Engine.MaxPayloadBytes == 0 {
		c.Engine.MaxPayloadBytes = constants.DefaultMaxPayloadBytes
	}
	if c.Engine.GraceReports == 0 {
		c.Engine.GraceReports = constants.DefaultGraceReports
	}
	if c.Dispatcher.AckTimeout == 0 {
		c.Dispatcher.AckTimeout = constants.DefaultAckTimeout
	}
	if c.Dispatcher.MaxRetries == 0 {
		c.Dispatcher.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Dispatcher.PublishTimeout == 0 {
		c.Dispatcher.PublishTimeout = constants.DefaultPublishTimeout
	}
	if c.Hub.SessionBuffer == 0 {
		c.Hub.SessionBuffer = constants.DefaultSessionBuffer
	}
	if c.WorkerPool.Workers == 0 {
		c.WorkerPool.Workers = constants.DefaultWorkers
	}
	if c.WorkerPool.QueueSize == 0 {
		c.WorkerPool.QueueSize = 256
	}
	if c.Redis.FiredTTL == 0 {
		c.Redis.FiredTTL = 48 * time.Hour
	}
	if c.FiredStateFile == "" {
		c.FiredStateFile = "fired_state.json"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "garden.readings"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "garden.notifications"
	}
	if c.Services.Scheduler.Interval == 0 {
		c.Services.Scheduler.Interval = constants.DefaultTickInterval
	}
	if c.Services.Stats.Interval == 0 {
		c.Services.Stats.Interval = time.Minute
	}

	// A device listed twice would receive two shutoff proposals.
	devices := make([]string, 0, len(c.Engine.SafetyShutoffDevices))
	seen := make(map[string]struct{}, len(c.Engine.SafetyShutoffDevices))
	for _, d := range c.Engine.SafetyShutoffDevices {
		d = strings.ToLower(strings.TrimSpace(d))
		if _, dup := seen[d]; dup || d == "" {
			continue
		}
		seen[d] = struct{}{}
		devices = append(devices, d)
	}
	c.Engine.SafetyShutoffDevices = devices
}

// Location resolves the schedule time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Engine.Timezone)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
