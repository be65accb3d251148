package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser       Role = "User"
	RoleAssistant  Role = "Assistant"
	RoleSpecialist Role = "Specialist"
	RoleSystem     Role = "System"
)

// HistoryEntry formats one line of the ticket history log.
func HistoryEntry(at time.Time, role Role, text string) string {
	return "[" + FormatTime(at) + "] " + string(role) + ": " + strings.TrimSpace(text)
}

// AppendHistory appends entry to history. History is never truncated.
func AppendHistory(history, entry string) string {
	if strings.TrimSpace(history) == "" {
		return entry
	}
	return strings.TrimRight(history, "\n") + "\n" + entry
}

// HistoryEndsWith reports whether the last entry of history was written by
// role with the given text, regardless of its timestamp.
func HistoryEndsWith(history string, role Role, text string) bool {
	return strings.HasSuffix(strings.TrimRight(history, "\n"), "] "+string(role)+": "+strings.TrimSpace(text))
}

// LastEntryAt is HistoryEndsWith that also returns the entry's timestamp.
// The time is zero when the stamp was edited into something unparsable.
func LastEntryAt(history string, role Role, text string) (time.Time, bool) {
	h := strings.TrimRight(history, "\n")
	suffix := "] " + string(role) + ": " + strings.TrimSpace(text)
	if !strings.HasSuffix(h, suffix) {
		return time.Time{}, false
	}
	head := h[:len(h)-len(suffix)]
	i := strings.LastIndexByte(head, '[')
	if i < 0 {
		return time.Time{}, true
	}
	at, _ := ParseTime(head[i+1:])
	return at, true
}
