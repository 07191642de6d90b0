package audit

import "github.com/aegisshield/realtime-sync/internal/events"

// ReviewThreshold is the risk score at or above which entries need review
const ReviewThreshold = 70

var baseRisk = map[EventType]int{
	EventSyncProcessed:     10,
	EventDataAccess:        15,
	EventDataModification:  25,
	EventAuthentication:    20,
	EventAuthorization:     30,
	EventConfiguration:     40,
	EventSecurityViolation: 60,
	EventExport:            45,
	EventSystemError:       20,
	EventConflict:          30,
	EventSystemLifecycle:   5,
}

var severityRisk = map[Severity]int{
	SeverityLow:      40,
	SeverityMedium:   60,
	SeverityHigh:     80,
	SeverityCritical: 100,
}

// RiskScore scores an entry from its event type, security level and outcome
func RiskScore(t EventType, level events.SecurityLevel, status Status) int {
	score, ok := baseRisk[t]
	if !ok {
		score = 10
	}
	if level > events.SecurityPublic {
		score += (int(level) - int(events.SecurityPublic)) * 5
	}
	switch status {
	case StatusFailure:
		score += 15
	case StatusError:
		score += 20
	case StatusWarning:
		score += 5
	}
	return clamp(score)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
