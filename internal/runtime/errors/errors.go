package errors

import sterrors "errors"

var (
	ErrServiceRequired     = sterrors.New("relaybench: service is required")
	ErrConfigRequired      = sterrors.New("relaybench: configuration is required")
	ErrLoggerRequired      = sterrors.New("relaybench: logger is required")
	ErrPublisherRequired   = sterrors.New("relaybench: publisher is required")
	ErrSubscriberRequired  = sterrors.New("relaybench: subscriber is required")
	ErrTopicRequired       = sterrors.New("relaybench: topic is required")
	ErrRecorderRequired    = sterrors.New("relaybench: metrics recorder is required")
	ErrRunIDRequired       = sterrors.New("relaybench: test run id is required")
	ErrCorrelationRequired = sterrors.New("relaybench: correlation id is required")
	ErrDuplicateSend       = sterrors.New("relaybench: correlation id already recorded")
	ErrRunNotFound         = sterrors.New("relaybench: run report not found")
)
