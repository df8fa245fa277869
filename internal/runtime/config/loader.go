package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/drblury/relaybench/internal/runtime/ids"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// RELAYBENCH_MESSAGE_COUNT or RELAYBENCH_KAFKA_BROKERS.
const EnvPrefix = "RELAYBENCH"

// Keys shared by flags, environment variables and config files.
const (
	KeyConfigFile           = "config"
	KeyIngressSystem        = "ingress-system"
	KeyEgressSystem         = "egress-system"
	KeyIngressQueue         = "ingress-queue"
	KeyEgressTopic          = "egress-topic"
	KeyKafkaBrokers         = "kafka-brokers"
	KeyKafkaClientID        = "kafka-client-id"
	KeyKafkaConsumerGroup   = "kafka-consumer-group"
	KeyRabbitMQURL          = "rabbitmq-url"
	KeyNATSURL              = "nats-url"
	KeyNATSClientName       = "nats-client-name"
	KeySQLiteFile           = "sqlite-file"
	KeyPostgresURL          = "postgres-url"
	KeyHTTPServerAddress    = "http-server-address"
	KeyHTTPPublisherURL     = "http-publisher-url"
	KeyAWSRegion            = "aws-region"
	KeyAWSAccountID         = "aws-account-id"
	KeyAWSAccessKeyID       = "aws-access-key-id"
	KeyAWSSecretAccessKey   = "aws-secret-access-key"
	KeyAWSEndpoint          = "aws-endpoint"
	KeyRetryMaxRetries      = "retry-max-retries"
	KeyRetryInitialInterval = "retry-initial-interval"
	KeyRetryMaxInterval     = "retry-max-interval"
	KeyMetricsEnabled       = "metrics-enabled"
	KeyMetricsPort          = "metrics-port"
	KeyDecodeRecords        = "decode-records"
	KeyReportStoreDriver    = "report-store-driver"
	KeyReportStoreDSN       = "report-store-dsn"
	KeyLogLevel             = "log-level"
	KeyTestRunID            = "test-run-id"
	KeyMessageCount         = "message-count"
	KeyMessageSize          = "message-size"
	KeyKeepAlive            = "keep-alive"
	KeyCompletionTimeout    = "completion-timeout"
	KeyPayloadFormat        = "payload-format"
)

// Default returns the configuration used when nothing else is supplied. The
// run id is left empty; ApplyDefaults generates one.
func Default() Config {
	return Config{
		IngressSystem:  "channel",
		EgressSystem:   "channel",
		IngressQueue:   "DEV.QUEUE.1",
		EgressTopic:    "mq-messages",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaClientID:  "relaybench",
		NATSClientName: "relaybench",
		SQLiteFile:     "relaybench_queue.db",
		MetricsEnabled: true,
		MetricsPort:    8080,
		LogLevel:       "info",
		Run: RunConfig{
			MessageCount:      10000,
			MessageSize:       1024,
			KeepAlive:         5 * time.Minute,
			CompletionTimeout: 2 * time.Minute,
			PayloadFormat:     PayloadFormatFiller,
		},
	}
}

// ApplyDefaults fills values that depend on other settings.
func (c *Config) ApplyDefaults() {
	if c.EgressSystem == "" {
		c.EgressSystem = c.IngressSystem
	}
	if c.Run.TestRunID == "" {
		c.Run.TestRunID = ids.NewRunID()
	}
	if c.Run.PayloadFormat == "" {
		c.Run.PayloadFormat = PayloadFormatFiller
	}
	if c.KafkaConsumerGroup == "" {
		c.KafkaConsumerGroup = "relaybench-" + c.Run.TestRunID
	}
}

// RegisterFlags registers every configuration key on the flag set so a cobra
// command can bind them through NewViper.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	flags.String(KeyConfigFile, "", "Path to configuration file (JSON, YAML or TOML)")

	// Topology
	flags.String(KeyIngressSystem, d.IngressSystem, "Ingress transport: channel, kafka, rabbitmq, nats, jetstream, sqlite, postgres, http or aws")
	flags.String(KeyEgressSystem, d.EgressSystem, "Egress transport: channel, kafka, rabbitmq, nats, jetstream, sqlite, postgres, http or aws")
	flags.String(KeyIngressQueue, d.IngressQueue, "Queue the sender publishes to and the relay consumes")
	flags.String(KeyEgressTopic, d.EgressTopic, "Topic the relay forwards to and the receiver consumes")

	// Transports
	flags.StringSlice(KeyKafkaBrokers, d.KafkaBrokers, "Kafka bootstrap brokers")
	flags.String(KeyKafkaClientID, d.KafkaClientID, "Kafka client id")
	flags.String(KeyKafkaConsumerGroup, "", "Kafka consumer group (defaults to one per run)")
	flags.String(KeyRabbitMQURL, "", "RabbitMQ AMQP URL")
	flags.String(KeyNATSURL, "", "NATS server URL")
	flags.String(KeyNATSClientName, d.NATSClientName, "NATS connection name")
	flags.String(KeySQLiteFile, d.SQLiteFile, "Database file of the sqlite queue transport")
	flags.String(KeyPostgresURL, "", "Connection string of the postgres queue transport")
	flags.String(KeyHTTPServerAddress, "", "Listen address of the HTTP subscriber")
	flags.String(KeyHTTPPublisherURL, "", "Base URL of the HTTP publisher")
	flags.String(KeyAWSRegion, "", "AWS region for SNS/SQS")
	flags.String(KeyAWSAccountID, "", "AWS account id")
	flags.String(KeyAWSAccessKeyID, "", "AWS access key id")
	flags.String(KeyAWSSecretAccessKey, "", "AWS secret access key")
	flags.String(KeyAWSEndpoint, "", "Custom AWS endpoint, e.g. LocalStack")

	// Relay
	flags.Int(KeyRetryMaxRetries, 0, "Relay handler retries (0 disables the retry middleware)")
	flags.Duration(KeyRetryInitialInterval, 0, "Initial retry backoff")
	flags.Duration(KeyRetryMaxInterval, 0, "Maximum retry backoff")
	flags.Bool(KeyDecodeRecords, false, "Decode relayed payloads as fixed-width transaction records")

	// Observability
	flags.Bool(KeyMetricsEnabled, d.MetricsEnabled, "Expose Prometheus metrics and the last report over HTTP")
	flags.Int(KeyMetricsPort, d.MetricsPort, "Port for the metrics endpoint")
	flags.String(KeyLogLevel, d.LogLevel, "Log level: trace, debug, info, warn or error")
	flags.String(KeyReportStoreDriver, "", "Report archive driver: sqlite3 or postgres")
	flags.String(KeyReportStoreDSN, "", "Report archive data source name")

	// Run
	flags.String(KeyTestRunID, "", "Test run id (generated when empty)")
	flags.Int(KeyMessageCount, d.Run.MessageCount, "Number of messages to send")
	flags.Int(KeyMessageSize, d.Run.MessageSize, "Payload size in bytes")
	flags.Duration(KeyKeepAlive, d.Run.KeepAlive, "How long to keep the process alive after the report")
	flags.Duration(KeyCompletionTimeout, d.Run.CompletionTimeout, "How long to wait for outstanding receives")
	flags.String(KeyPayloadFormat, d.Run.PayloadFormat, "Payload format: filler or iso8583")
}

// NewViper returns a viper instance reading RELAYBENCH_* environment variables
// and, when flags is non-nil, the bound command-line flags.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}
	return v, nil
}

// Load resolves the configuration. Precedence: flags, environment, config
// file, built-in defaults.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		var err error
		if v, err = NewViper(nil); err != nil {
			return nil, err
		}
	}

	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	setDefaults(v, Default())

	cfg := Config{
		IngressSystem:        strings.ToLower(strings.TrimSpace(v.GetString(KeyIngressSystem))),
		EgressSystem:         strings.ToLower(strings.TrimSpace(v.GetString(KeyEgressSystem))),
		IngressQueue:         strings.TrimSpace(v.GetString(KeyIngressQueue)),
		EgressTopic:          strings.TrimSpace(v.GetString(KeyEgressTopic)),
		KafkaBrokers:         splitList(v.Get(KeyKafkaBrokers)),
		KafkaClientID:        v.GetString(KeyKafkaClientID),
		KafkaConsumerGroup:   v.GetString(KeyKafkaConsumerGroup),
		RabbitMQURL:          v.GetString(KeyRabbitMQURL),
		NATSURL:              v.GetString(KeyNATSURL),
		NATSClientName:       v.GetString(KeyNATSClientName),
		SQLiteFile:           v.GetString(KeySQLiteFile),
		PostgresURL:          v.GetString(KeyPostgresURL),
		HTTPServerAddress:    v.GetString(KeyHTTPServerAddress),
		HTTPPublisherURL:     v.GetString(KeyHTTPPublisherURL),
		AWSRegion:            v.GetString(KeyAWSRegion),
		AWSAccountID:         v.GetString(KeyAWSAccountID),
		AWSAccessKeyID:       v.GetString(KeyAWSAccessKeyID),
		AWSSecretAccessKey:   v.GetString(KeyAWSSecretAccessKey),
		AWSEndpoint:          v.GetString(KeyAWSEndpoint),
		RetryMaxRetries:      v.GetInt(KeyRetryMaxRetries),
		RetryInitialInterval: v.GetDuration(KeyRetryInitialInterval),
		RetryMaxInterval:     v.GetDuration(KeyRetryMaxInterval),
		MetricsEnabled:       v.GetBool(KeyMetricsEnabled),
		MetricsPort:          v.GetInt(KeyMetricsPort),
		DecodeRecords:        v.GetBool(KeyDecodeRecords),
		ReportStoreDriver:    strings.TrimSpace(v.GetString(KeyReportStoreDriver)),
		ReportStoreDSN:       v.GetString(KeyReportStoreDSN),
		LogLevel:             strings.ToLower(v.GetString(KeyLogLevel)),
		Run: RunConfig{
			TestRunID:         strings.TrimSpace(v.GetString(KeyTestRunID)),
			MessageCount:      v.GetInt(KeyMessageCount),
			MessageSize:       v.GetInt(KeyMessageSize),
			KeepAlive:         v.GetDuration(KeyKeepAlive),
			CompletionTimeout: v.GetDuration(KeyCompletionTimeout),
			PayloadFormat:     strings.ToLower(strings.TrimSpace(v.GetString(KeyPayloadFormat))),
		},
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault(KeyIngressSystem, d.IngressSystem)
	v.SetDefault(KeyEgressSystem, d.EgressSystem)
	v.SetDefault(KeyIngressQueue, d.IngressQueue)
	v.SetDefault(KeyEgressTopic, d.EgressTopic)
	v.SetDefault(KeyKafkaBrokers, d.KafkaBrokers)
	v.SetDefault(KeyKafkaClientID, d.KafkaClientID)
	v.SetDefault(KeyNATSClientName, d.NATSClientName)
	v.SetDefault(KeySQLiteFile, d.SQLiteFile)
	v.SetDefault(KeyMetricsEnabled, d.MetricsEnabled)
	v.SetDefault(KeyMetricsPort, d.MetricsPort)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMessageCount, d.Run.MessageCount)
	v.SetDefault(KeyMessageSize, d.Run.MessageSize)
	v.SetDefault(KeyKeepAlive, d.Run.KeepAlive)
	v.SetDefault(KeyCompletionTimeout, d.Run.CompletionTimeout)
	v.SetDefault(KeyPayloadFormat, d.Run.PayloadFormat)
}

// splitList accepts comma separated strings from the environment as well as
// slices from flags and config files.
func splitList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(val, ",")
	case []string:
		for _, item := range val {
			parts = append(parts, strings.Split(item, ",")...)
		}
	case []any:
		for _, item := range val {
			parts = append(parts, strings.Split(fmt.Sprint(item), ",")...)
		}
	default:
		parts = strings.Split(fmt.Sprint(val), ",")
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
