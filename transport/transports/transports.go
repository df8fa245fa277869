// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/relaybench/transport/aws"
	_ "github.com/drblury/relaybench/transport/channel"
	_ "github.com/drblury/relaybench/transport/http"
	_ "github.com/drblury/relaybench/transport/jetstream"
	_ "github.com/drblury/relaybench/transport/kafka"
	_ "github.com/drblury/relaybench/transport/nats"
	_ "github.com/drblury/relaybench/transport/postgres"
	_ "github.com/drblury/relaybench/transport/rabbitmq"
	_ "github.com/drblury/relaybench/transport/sqlite"
)
