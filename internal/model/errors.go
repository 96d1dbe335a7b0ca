package model

import (
	"errors"
	"fmt"
)

// Error kinds from the handler and engine boundaries. Handlers convert
// anything they catch into one of these before recording it, so the
// audit trail and WebSocket mirror carry a stable taxonomy.
const (
	KindValidation        = "validation_error"
	KindTopicParse        = "topic_parse_error"
	KindUnknownDevice     = "unknown_device"
	KindProcessorMissing  = "processor_missing"
	KindProcessorFailure  = "processor_failure"
	KindDBUnavailable     = "db_unavailable"
	KindPublishFailure    = "mqtt_publish_failure"
	KindConflictBlocked   = "conflict_blocked"
	KindSafetyPreempted   = "safety_preempted"
	KindRateLimitExceeded = "rate_limit_exceeded"
	KindTimeout           = "timeout_error"
	KindConfiguration     = "configuration_error"
)

// Sentinel errors matched with errors.Is at handler boundaries.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrProcessorMissing = errors.New("no processor for sensor type")
	ErrDBUnavailable    = errors.New("database unavailable")
	ErrConflictBlocked  = errors.New("actuator resource held by another rule")
	ErrPreempted        = errors.New("preempted")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// ValidationError reports a malformed inbound payload.
type ValidationError struct {
	Code   string // e.g. INVALID_PAYLOAD_FORMAT, INVALID_SENSOR_TYPE
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Validation error codes enforced on the sensor data schema.
const (
	CodeInvalidPayload    = "INVALID_PAYLOAD_FORMAT"
	CodeInvalidSensorType = "INVALID_SENSOR_TYPE"
)
