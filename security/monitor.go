package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	maxSecurityEvents = 50
	securityEventsTTL = 7 * 24 * time.Hour
	failedLoginsTTL   = 24 * time.Hour

	// RiskWindow limits which security events are taken into account by the
	// risk calculation.
	RiskWindow = 24 * time.Hour
)

func securityEventsKey(userKey agora.UserKey) string {
	return "security_events:" + string(userKey)
}

func failedLoginsKey(userKey agora.UserKey) string {
	return "failed_logins:" + string(userKey)
}

// AuditLogs fans an entry out to every sink.
type AuditLogs []agora.AuditLog

func (l AuditLogs) Append(ctx context.Context, entry agora.AuditEntry) error {
	var errs []error
	for _, log := range l {
		if err := log.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Monitor owns the security event history and the audit trail.
type Monitor struct {
	KV                 agora.KV
	AuditLog           agora.AuditLog
	Sessions           agora.SessionStore
	MaxSessionsPerUser int
	Now                func() time.Time
}

func (m *Monitor) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now()
}

// LogAuditEvent never fails. Write errors are only logged.
func (m *Monitor) LogAuditEvent(ctx context.Context, entry agora.AuditEntry) {
	if m.AuditLog == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	if err := m.AuditLog.Append(ctx, entry); err != nil {
		logrus.WithError(err).
			WithField("event", entry.Event).
			WithField("session_id", entry.SessionId).
			Errorln("Could not write audit log entry.")
	}
}

// RecordSecurityEvent stores the event in the user's capped event history.
func (m *Monitor) RecordSecurityEvent(ctx context.Context, userKey agora.UserKey, eventType agora.EventType,
	severity agora.Severity, metadata map[string]interface{}) (agora.SecurityEvent, error) {
	event := agora.SecurityEvent{
		Id:        uuid.New().String(),
		UserId:    userKey.String(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: m.now(),
		Metadata:  metadata,
	}
	serialized, err := json.Marshal(&event)
	if err != nil {
		return agora.SecurityEvent{}, fmt.Errorf("serialize security event: %w", err)
	}

	key := securityEventsKey(userKey)
	if err := m.KV.LPush(ctx, key, string(serialized)); err != nil {
		return agora.SecurityEvent{}, fmt.Errorf("push security event: %w", err)
	}
	if err := m.KV.LTrim(ctx, key, 0, maxSecurityEvents-1); err != nil {
		return agora.SecurityEvent{}, fmt.Errorf("trim security events: %w", err)
	}
	if err := m.KV.Expire(ctx, key, securityEventsTTL); err != nil {
		return agora.SecurityEvent{}, fmt.Errorf("expire security events: %w", err)
	}

	logrus.WithField("user", userKey).
		WithField("event_type", eventType).
		WithField("severity", severity).
		Warningln("Security event.")
	return event, nil
}

// ReportSecurityEvent records the event and writes it to the audit log.
func (m *Monitor) ReportSecurityEvent(ctx context.Context, userKey agora.UserKey, eventType agora.EventType,
	severity agora.Severity, metadata map[string]interface{}) (agora.SecurityEvent, error) {
	event, err := m.RecordSecurityEvent(ctx, userKey, eventType, severity, metadata)
	if err != nil {
		return agora.SecurityEvent{}, err
	}

	sessionId, _ := metadata["sessionId"].(string)
	ip, _ := metadata["ip"].(string)
	userAgent, _ := metadata["userAgent"].(string)
	m.LogAuditEvent(ctx, agora.AuditEntry{
		Timestamp: event.Timestamp,
		Event:     "Security event: " + string(eventType),
		UserId:    userKey.String(),
		SessionId: sessionId,
		Ip:        ip,
		UserAgent: userAgent,
		Metadata: map[string]interface{}{
			"eventId":  event.Id,
			"severity": severity,
		},
	})
	return event, nil
}

// SecurityEvents returns the user's events, newest first.
func (m *Monitor) SecurityEvents(ctx context.Context, userKey agora.UserKey) ([]agora.SecurityEvent, error) {
	values, err := m.KV.LRange(ctx, securityEventsKey(userKey), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read security events: %w", err)
	}
	events := make([]agora.SecurityEvent, 0, len(values))
	for _, value := range values {
		var event agora.SecurityEvent
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			logrus.WithError(err).WithField("user", userKey).Warningln("Skipping malformed security event.")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (m *Monitor) RecordFailedLogin(ctx context.Context, userKey agora.UserKey) (int64, error) {
	attempts, err := m.KV.Incr(ctx, failedLoginsKey(userKey), failedLoginsTTL)
	if err != nil {
		return 0, fmt.Errorf("count failed login: %w", err)
	}
	return attempts, nil
}

func (m *Monitor) ResetFailedLogins(ctx context.Context, userKey agora.UserKey) error {
	if err := m.KV.Del(ctx, failedLoginsKey(userKey)); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

func (m *Monitor) failedLogins(ctx context.Context, userKey agora.UserKey) (int64, error) {
	value, err := m.KV.Get(ctx, failedLoginsKey(userKey))
	if err != nil {
		if errors.Is(err, agora.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read failed logins: %w", err)
	}
	attempts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse failed logins: %w", err)
	}
	return attempts, nil
}

// CalculateSessionRisk is advisory. Nothing acts on the score automatically.
func (m *Monitor) CalculateSessionRisk(ctx context.Context, userKey agora.UserKey, sessionId string) (agora.RiskAssessment, error) {
	events, err := m.SecurityEvents(ctx, userKey)
	if err != nil {
		return agora.RiskAssessment{}, err
	}

	since := m.now().Add(-RiskWindow)
	critical, warnings := 0, 0
	for _, event := range events {
		if event.Timestamp.Before(since) {
			continue
		}
		switch event.Severity {
		case agora.SeverityCritical:
			critical++
		case agora.SeverityWarning:
			warnings++
		}
	}

	score := 0
	factors := make([]string, 0, 4)
	if critical > 0 {
		score += critical * 50
		factors = append(factors, fmt.Sprintf("%d critical security events", critical))
	}
	if warnings > 2 {
		score += warnings * 10
		factors = append(factors, fmt.Sprintf("%d security warnings", warnings))
	}

	if m.Sessions != nil && m.MaxSessionsPerUser > 0 {
		sessions, err := m.Sessions.UserSessions(ctx, userKey)
		if err != nil {
			return agora.RiskAssessment{}, fmt.Errorf("user sessions: %w", err)
		}
		if excess := len(sessions) - m.MaxSessionsPerUser; excess > 0 {
			score += excess * 20
			factors = append(factors, fmt.Sprintf("%d sessions over the concurrent limit", excess))
		}
	}

	failed, err := m.failedLogins(ctx, userKey)
	if err != nil {
		return agora.RiskAssessment{}, err
	}
	if failed > 3 {
		score += int(failed) * 15
		factors = append(factors, fmt.Sprintf("%d failed login attempts", failed))
	}

	assessment := agora.RiskAssessment{Score: score, Level: agora.RiskLevelOf(score), Factors: factors}
	logrus.WithField("user", userKey).
		WithField("session_id", sessionId).
		WithField("risk_score", score).
		Debugln("Calculated session risk.")
	return assessment, nil
}
