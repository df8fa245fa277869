/*
Package runtime hosts the relay service and the performance harness for
relaybench.

# Architecture Overview

The runtime package wires a Watermill router to two transports: the ingress
side, an MQ-style queue the sender publishes to, and the egress side, a
Kafka-style topic the relay forwards to. When both sides name the same
transport a single connection is shared.

# Package Structure

## Core Service (service.go)

The Service struct owns:
  - Message router (Watermill)
  - Ingress and egress transports built from the transport registry
  - Middleware chain
  - HTTP servers for /metrics and /report

## Relay (relay.go)

RegisterRelay adds the forwarder from the relay sub-package as a router
handler consuming the ingress queue and publishing to the egress topic.

## Harness (harness.go)

RunPerfTest runs one measurement: a receiver handler on the egress topic
feeds the perf aggregator while the sender pushes generated payloads into the
ingress queue. The final report is logged, exported to Prometheus, served on
/report and optionally archived by the report store.

## Middleware (middleware.go)

  - LogMessages: trace logging of message metadata
  - Tracer: OpenTelemetry spans
  - Metrics: Watermill Prometheus router metrics
  - Retry: exponential backoff, only when configured
  - Recoverer: panic recovery

# Sub-packages

  - codec/: fixed-width transaction record codec
  - config/: configuration, validation and viper loading
  - correlation/: correlation id to send timestamp store
  - errors/: sentinel errors
  - generator/: payload generation
  - ids/: ULID generation for message and run ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: header maps, envelopes and correlation headers
  - perf/: metrics aggregator, snapshot and Prometheus reporter
  - receiver/: egress consumer feeding the aggregator
  - relay/: forwarder and relay metrics
  - reportstore/: SQL archive of final reports
  - sender/: ingress producer

# Usage Example

	cfg, _ := config.Load(v)
	svc, err := runtime.TryNewService(cfg, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.RunPerfTest(ctx, runtime.PerfTestOptions{InProcessRelay: true})
*/
package runtime
