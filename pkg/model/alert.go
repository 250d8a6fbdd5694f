package model

// Severity of a threshold breach.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	StatusFiring   AlertStatus = "firing"
	StatusResolved AlertStatus = "resolved"
)

// Alert is the authoritative record of an adaptive-threshold breach.
// Invariants: FirstTriggered <= LastTriggered, and ResolvedAt is non-zero
// exactly when Status is resolved.
type Alert struct {
	AlertID     string      `json:"alert_id"`
	ServiceName string      `json:"service_name"`
	MetricName  string      `json:"metric_name"`
	Severity    Severity    `json:"severity"`
	Status      AlertStatus `json:"status"`
	Message     string      `json:"message"`

	CurrentValue         float64 `json:"current_value"`
	ExpectedMin          float64 `json:"expected_min"`
	ExpectedMax          float64 `json:"expected_max"`
	ThresholdBreachCount uint32  `json:"threshold_breach_count"`

	FirstTriggered int64 `json:"first_triggered"`
	LastTriggered  int64 `json:"last_triggered"`
	ResolvedAt     int64 `json:"resolved_at,omitempty"`
}
