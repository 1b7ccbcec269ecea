// Package events provides event types and subjects for the sessionhub event system.
package events

import "strings"

// Event types for agent notifications relayed through a session bridge
const (
	AgentStarted       = "agent.started"
	AgentThinking      = "agent.thinking"
	AgentToolExecuting = "agent.tool_executing"
	AgentToolCompleted = "agent.tool_completed"
	AgentCompleted     = "agent.completed"
	AgentError         = "agent.error"
	AgentDeath         = "agent.death"
)

// Event types for session lifecycle
const (
	SessionCreated          = "session.created"
	SessionReset            = "session.reset"
	SessionCleaned          = "session.cleaned"
	SessionEmergencyCleanup = "session.emergency_cleanup"
	NotifierPropagated      = "session.notifier_propagated"
)

// Subject prefixes
const (
	AgentNotifySubjectPrefix = "agent.notify"
	SessionSubjectPrefix     = "session.lifecycle"
)

// BuildAgentNotifySubject returns the subject carrying one user's agent notifications.
func BuildAgentNotifySubject(userID string) string {
	return AgentNotifySubjectPrefix + "." + subjectToken(userID)
}

// BuildSessionSubject returns the subject carrying one user's session lifecycle events.
func BuildSessionSubject(userID string) string {
	return SessionSubjectPrefix + "." + subjectToken(userID)
}

// AllAgentNotifications matches every user's notification subject.
const AllAgentNotifications = AgentNotifySubjectPrefix + ".*"

// AllSessionEvents matches every user's session lifecycle subject.
const AllSessionEvents = SessionSubjectPrefix + ".*"

const hexDigits = "0123456789ABCDEF"

// subjectToken encodes a user ID as a single subject token. ASCII letters,
// digits and '-' are kept; every other byte, '_' included, becomes _XX in
// upper-case hex. Distinct IDs therefore never share a token, and the token
// holds no separator, wildcard or whitespace. The empty ID maps to "_".
func subjectToken(userID string) string {
	if userID == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(userID))
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}
