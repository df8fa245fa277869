package relaybench

import (
	runtimepkg "github.com/drblury/relaybench/internal/runtime"
	"github.com/drblury/relaybench/internal/runtime/codec"
	configpkg "github.com/drblury/relaybench/internal/runtime/config"
	errspkg "github.com/drblury/relaybench/internal/runtime/errors"
	"github.com/drblury/relaybench/internal/runtime/generator"
	idspkg "github.com/drblury/relaybench/internal/runtime/ids"
	jsoncodec "github.com/drblury/relaybench/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	metadatapkg "github.com/drblury/relaybench/internal/runtime/metadata"
	"github.com/drblury/relaybench/internal/runtime/perf"
	"github.com/drblury/relaybench/internal/runtime/relay"
	"github.com/drblury/relaybench/internal/runtime/reportstore"
	"github.com/drblury/relaybench/transport"

	// Register every bundled transport with the default registry.
	_ "github.com/drblury/relaybench/transport/transports"
)

type (
	Config              = configpkg.Config
	RunConfig           = configpkg.RunConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	PerfTestOptions = runtimepkg.PerfTestOptions
	PerfTestResult  = runtimepkg.PerfTestResult
	RelayOptions    = runtimepkg.RelayOptions
	ReportArchive   = runtimepkg.ReportArchive

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Snapshot    = perf.Snapshot
	RunState    = perf.State
	Percentiles = perf.Percentiles

	TransactionRecord    = codec.TransactionRecord
	Decoder              = codec.Decoder
	Anomaly              = codec.Anomaly
	AnomalyKind          = codec.AnomalyKind
	EmptyInputError      = codec.EmptyInputError
	TruncatedRecordError = codec.TruncatedRecordError
	FieldOverflowError   = codec.FieldOverflowError

	PayloadFormat       = generator.Format
	HeaderTooLargeError = generator.HeaderTooLargeError

	Transform = relay.Transform

	ReportStore   = reportstore.Store
	ReportSummary = reportstore.Summary

	Metadata = metadatapkg.Metadata
	Envelope = metadatapkg.Envelope

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	NewViper       = configpkg.NewViper
	RegisterFlags  = configpkg.RegisterFlags

	DefaultMiddlewares        = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	ConfiguredRetryMiddleware = runtimepkg.ConfiguredRetryMiddleware
	RecovererMiddleware       = runtimepkg.RecovererMiddleware

	DecodeRecord      = codec.Decode
	DecodeRecordBytes = codec.DecodeBytes
	EncodeRecord      = codec.Encode
	Generate          = generator.Generate
	CorrelationID     = generator.CorrelationID
	IdentityRelay     = relay.Identity
	OpenReportStore   = reportstore.Open

	// Transport registry
	// Import individual transports via: _ "github.com/drblury/relaybench/transport/kafka"
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrSubscriberRequired  = errspkg.ErrSubscriberRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrRecorderRequired    = errspkg.ErrRecorderRequired
	ErrRunIDRequired       = errspkg.ErrRunIDRequired
	ErrCorrelationRequired = errspkg.ErrCorrelationRequired
	ErrDuplicateSend       = errspkg.ErrDuplicateSend
	ErrRunNotFound         = errspkg.ErrRunNotFound

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	ParseLogLevel        = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewRunID   = idspkg.NewRunID
)

// Correlation header keys carried from the sender through the relay.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeySendTimestamp = metadatapkg.KeySendTimestamp
	MetadataKeyTestRunID     = metadatapkg.KeyTestRunID
)

// Payload formats and run states.
const (
	PayloadFormatFiller  = generator.FormatFiller
	PayloadFormatISO8583 = generator.FormatISO8583

	RunIdle      = perf.Idle
	RunRunning   = perf.Running
	RunCompleted = perf.Completed

	RecordFixedWidth = codec.FixedWidth
)
