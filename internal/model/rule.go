package model

import "time"

// Condition node types.
const (
	CondSensor = "sensor"
	CondTime   = "time"
	CondAnd    = "and"
	CondOr     = "or"
)

// Comparison operators accepted by sensor conditions.
const (
	OpGT  = ">"
	OpLT  = "<"
	OpGTE = ">="
	OpLTE = "<="
	OpEQ  = "=="
	OpNEQ = "!="
)

// Condition is one node of a rule's condition tree. Leaves are sensor
// or time predicates; internal nodes are and/or over Children.
type Condition struct {
	Type string `json:"type"`

	// Sensor leaf
	DeviceID   string  `json:"device_id,omitempty"`
	GPIO       int     `json:"gpio,omitempty"`
	SensorType string  `json:"sensor_type,omitempty"`
	Operator   string  `json:"operator,omitempty"`
	Value      float64 `json:"value,omitempty"`

	// Time-window leaf. Hours are 0-23; StartHour > EndHour wraps
	// past midnight. DaysOfWeek uses Mon=0 .. Sun=6; empty = all days.
	StartHour  int   `json:"start_hour,omitempty"`
	EndHour    int   `json:"end_hour,omitempty"`
	DaysOfWeek []int `json:"days_of_week,omitempty"`

	// Compound node
	Children []*Condition `json:"children,omitempty"`
}

// HasTimeCondition reports whether any node in the tree is a time
// predicate. Rules with one are picked up by the 60s timer pass.
func (c *Condition) HasTimeCondition() bool {
	if c == nil {
		return false
	}
	if c.Type == CondTime {
		return true
	}
	for _, child := range c.Children {
		if child.HasTimeCondition() {
			return true
		}
	}
	return false
}

// Action types.
const (
	ActionActuator     = "actuator"
	ActionDelay        = "delay"
	ActionNotification = "notification"
)

// Action is one step of a rule's ordered action list.
type Action struct {
	Type string `json:"type"`

	// Actuator command
	DeviceID  string  `json:"device_id,omitempty"`
	GPIO      int     `json:"gpio,omitempty"`
	Command   string  `json:"command,omitempty"` // ON | OFF | PWM
	Value     float64 `json:"value,omitempty"`   // 0..1 for PWM
	DurationS float64 `json:"duration_s,omitempty"`

	// Delay
	DelayMs int `json:"delay_ms,omitempty"`

	// Notification
	Message string `json:"message,omitempty"`

	// Required aborts the rest of the action list on failure.
	Required bool `json:"required,omitempty"`
}

// Trigger routes sensor events to a rule.
type Trigger struct {
	DeviceID   string `json:"device_id"`
	GPIO       int    `json:"gpio"`
	SensorType string `json:"sensor_type"`
}

// LogicRule is one cross-device automation. Lower Priority wins
// conflicts; SafetyCritical overrides non-safety holders outright.
type LogicRule struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Enabled              bool       `json:"enabled"`
	Priority             int        `json:"priority"`
	CooldownSec          int        `json:"cooldown_sec"`
	MaxExecutionsPerHour int        `json:"max_executions_per_hour"`
	SafetyCritical       bool       `json:"safety_critical"`
	Triggers             []Trigger  `json:"triggers"`
	Conditions           *Condition `json:"conditions"`
	Actions              []Action   `json:"actions"`
	LastExecuted         time.Time  `json:"last_executed,omitempty"`
}

// RuleExecution is one append-only run record.
type RuleExecution struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	Timestamp      time.Time      `json:"timestamp"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	ActionsSummary []string       `json:"actions_summary,omitempty"`
	Success        bool           `json:"success"`
	DurationMs     int64          `json:"duration_ms"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}
