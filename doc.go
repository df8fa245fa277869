// Package relaybench relays messages from an MQ-style ingress queue to a
// Kafka-style egress topic and measures the relay end to end. It is a small
// layer on top of Watermill: the transports for both sides are read from
// Config, a router forwards every message with its headers unchanged, and a
// harness correlates each sent message with its receipt to report latency,
// throughput and loss.
//
// A perf run generates payloads (plain filler or fixed-width transaction
// records), stamps each with the correlationId, sendTimestamp and testRunId
// headers, publishes them to the ingress queue and waits for them on the
// egress topic. The final Snapshot is logged, exported to Prometheus, served
// on /report and optionally archived in SQLite or PostgreSQL.
//
// # Transports
//
// relaybench supports 9 message transports out of the box:
//   - channel: In-memory Go channels; relay and harness in one process
//   - kafka: The production egress, one consumer group per run
//   - rabbitmq: Durable point-to-point queues standing in for MQ
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: Core NATS with queue groups
//   - jetstream: Persistent NATS JetStream with redelivery on nack
//   - sqlite: A queue table in a local SQLite file, no broker needed
//   - postgres: A queue table in PostgreSQL shared by several relays
//   - http: Webhook style delivery
//
// Ingress and egress may use different transports; when they match, one
// connection serves both sides.
//
// # Middleware
//
// The default middleware chain covers trace logging of message metadata,
// OpenTelemetry spans, Watermill router metrics, optional retries and panic
// recovery. Use ServiceDependencies.Middlewares to append more.
//
// # Quick start
//
//	cfg := relaybench.DefaultConfig()
//	cfg.ApplyDefaults()
//	svc, err := relaybench.TryNewService(&cfg, logger, ctx, relaybench.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//	result, err := svc.RunPerfTest(ctx, relaybench.PerfTestOptions{InProcessRelay: true})
package relaybench
