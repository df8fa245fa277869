package runtime

import (
	"fmt"

	errspkg "github.com/drblury/relaybench/internal/runtime/errors"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	"github.com/drblury/relaybench/internal/runtime/relay"
)

// RelayHandlerName is the router handler name of the forwarder.
const RelayHandlerName = "relay"

// RelayOptions customises the relay handler. Zero values use the service
// configuration.
type RelayOptions struct {
	Transform relay.Transform
	// Metrics overrides the Prometheus relay metrics.
	Metrics relay.Metrics
}

// RegisterRelay adds the forwarder that consumes the ingress queue and
// publishes every message to the egress topic.
func (s *Service) RegisterRelay(opts RelayOptions) (*relay.Forwarder, error) {
	if s.Conf.IngressQueue == "" || s.Conf.EgressTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if s.ingress.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if s.egress.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}

	m := opts.Metrics
	if m == nil {
		if s.Conf.MetricsEnabled {
			pm := relay.NewPrometheusMetrics(s.registerer, s.Conf.IngressQueue, s.Conf.EgressTopic)
			if err := pm.Register(); err != nil {
				return nil, fmt.Errorf("register relay metrics: %w", err)
			}
			m = pm
		} else {
			m = relay.NopMetrics{}
		}
	}

	logger := s.Logger.With(loggingpkg.LogFields{
		"queue": s.Conf.IngressQueue,
		"topic": s.Conf.EgressTopic,
	})
	fwd := relay.NewForwarder(relay.Options{
		Transform:     opts.Transform,
		Logger:        logger,
		Metrics:       m,
		DecodeRecords: s.Conf.DecodeRecords,
	})

	s.router.AddHandler(
		RelayHandlerName,
		s.Conf.IngressQueue,
		s.ingress.Subscriber,
		s.Conf.EgressTopic,
		s.egress.Publisher,
		fwd.Handler(),
	)
	logger.Info("Relay registered", loggingpkg.LogFields{"decode_records": s.Conf.DecodeRecords})
	return fwd, nil
}
