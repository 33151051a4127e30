package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buzkaaclicker/agora"
)

const (
	maxLocationEntries  = 10
	locationHistoryTTL  = 7 * 24 * time.Hour
	suspiciousTravelGap = 60 * time.Second
)

type LocationEntry struct {
	Country   string    `json:"country"`
	Ip        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
}

type EventReporter interface {
	ReportSecurityEvent(ctx context.Context, userKey agora.UserKey, eventType agora.EventType,
		severity agora.Severity, metadata map[string]interface{}) (agora.SecurityEvent, error)
}

// LocationTracker keeps a short per-user location history and flags country
// changes that happen faster than anyone could travel. It never blocks.
type LocationTracker struct {
	KV       agora.KV
	Reporter EventReporter
	Now      func() time.Time
}

func locationHistoryKey(userKey agora.UserKey) string {
	return "location_history:" + string(userKey)
}

func (t *LocationTracker) now() time.Time {
	if t.Now == nil {
		return time.Now().UTC()
	}
	return t.Now()
}

// Track records the location and reports whether it was flagged.
func (t *LocationTracker) Track(ctx context.Context, userKey agora.UserKey, ip string, country string) (bool, error) {
	key := locationHistoryKey(userKey)
	now := t.now()

	latest, err := t.KV.LRange(ctx, key, 0, 0)
	if err != nil {
		return false, fmt.Errorf("read location history: %w", err)
	}
	var previous LocationEntry
	if len(latest) > 0 {
		if err := json.Unmarshal([]byte(latest[0]), &previous); err != nil {
			previous = LocationEntry{}
		}
	}

	serialized, err := json.Marshal(&LocationEntry{Country: country, Ip: ip, Timestamp: now})
	if err != nil {
		return false, fmt.Errorf("serialize location: %w", err)
	}
	if err := t.KV.LPush(ctx, key, string(serialized)); err != nil {
		return false, fmt.Errorf("push location: %w", err)
	}
	if err := t.KV.LTrim(ctx, key, 0, maxLocationEntries-1); err != nil {
		return false, fmt.Errorf("trim location history: %w", err)
	}
	if err := t.KV.Expire(ctx, key, locationHistoryTTL); err != nil {
		return false, fmt.Errorf("expire location history: %w", err)
	}

	if previous.Country == "" || country == "" || previous.Country == country {
		return false, nil
	}
	if now.Sub(previous.Timestamp) >= suspiciousTravelGap {
		return false, nil
	}
	_, err = t.Reporter.ReportSecurityEvent(ctx, userKey, agora.EventLocationChange, agora.SeverityWarning,
		map[string]interface{}{
			"previousCountry": previous.Country,
			"currentCountry":  country,
			"previousIp":      previous.Ip,
			"ip":              ip,
		})
	if err != nil {
		return true, fmt.Errorf("report location change: %w", err)
	}
	return true, nil
}

// History returns the recorded locations, newest first.
func (t *LocationTracker) History(ctx context.Context, userKey agora.UserKey) ([]LocationEntry, error) {
	values, err := t.KV.LRange(ctx, locationHistoryKey(userKey), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read location history: %w", err)
	}
	entries := make([]LocationEntry, 0, len(values))
	for _, value := range values {
		var entry LocationEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
