package agora

import "time"

type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type EventType string

const (
	EventLocationChange    EventType = "LOCATION_CHANGE"
	EventRateLimitExceeded EventType = "RATE_LIMIT_EXCEEDED"
	EventDeviceMismatch    EventType = "DEVICE_MISMATCH"
	EventSessionHijacked   EventType = "SESSION_HIJACKED"
	EventInvalidToken      EventType = "INVALID_SESSION_TOKEN"
	EventSessionEvicted    EventType = "SESSION_EVICTED"
)

type SecurityEvent struct {
	Id        string                 `json:"id"`
	UserId    string                 `json:"userId"`
	Type      EventType              `json:"eventType"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func RiskLevelOf(score int) RiskLevel {
	switch {
	case score >= 100:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 20:
		return RiskMedium
	default:
		return RiskLow
	}
}

type RiskAssessment struct {
	Score   int       `json:"riskScore"`
	Level   RiskLevel `json:"riskLevel"`
	Factors []string  `json:"riskFactors"`
}
