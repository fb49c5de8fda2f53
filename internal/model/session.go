package model

import (
	"time"
)

// UnknownSection is recorded for references upgraded from the legacy id-only shape.
const UnknownSection = "unknown"

// AttendanceStatus is the resolved presence of a student in a session.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
)

// AttendanceSession is a single class meeting's attendance document.
type AttendanceSession struct {
	ID             string         `json:"id"`
	Section        string         `json:"section"`
	Course         string         `json:"course,omitempty"`
	Date           string         `json:"date,omitempty"`
	DateObject     *time.Time     `json:"dateObject,omitempty"`
	Room           string         `json:"room,omitempty"`
	TeacherName    string         `json:"teacherName,omitempty"`
	TeacherID      string         `json:"teacherId,omitempty"`
	AttendanceCode string         `json:"attendanceCode,omitempty"`
	Active         bool           `json:"active"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt      *time.Time     `json:"createdAt,omitempty"`
	Students       []StudentEntry `json:"students"`
}

// ForStudent returns the copy of s a student may see: the attendance code is
// dropped and the roster holds only the student's own entry, if any.
func (s AttendanceSession) ForStudent(id Identity) AttendanceSession {
	s.AttendanceCode = ""
	own := []StudentEntry{}
	if entry, _, ok := FindStudent(s.Students, id); ok {
		own = append(own, *entry)
	}
	s.Students = own
	return s
}

// StudentEntry is one student's row inside a session. Any of UserUID, StudentID
// or Email may be the join key, depending on which client wrote it.
type StudentEntry struct {
	UserUID   string     `json:"userUID,omitempty"`
	StudentID string     `json:"studentId,omitempty"`
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	IsPresent bool       `json:"isPresent"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// EffectiveDate picks the best timestamp for ordering: dateObject, then the
// raw date string, then createdAt. Zero when none parse.
func (s AttendanceSession) EffectiveDate() time.Time {
	if s.DateObject != nil && !s.DateObject.IsZero() {
		return *s.DateObject
	}
	if t, ok := ParseLooseDate(s.Date); ok {
		return t
	}
	if s.CreatedAt != nil {
		return *s.CreatedAt
	}
	return time.Time{}
}

var looseDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseLooseDate parses the date formats seen in session documents.
func ParseLooseDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range looseDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SessionReference is one saved pointer from a user to a session.
type SessionReference struct {
	SessionID string    `json:"id"`
	Section   string    `json:"section"`
	AddedAt   time.Time `json:"addedAt"`
}

// SavedRecord is the canonical in-memory shape of a user's saved attendance record.
type SavedRecord struct {
	UserID      string
	Records     []SessionReference
	LegacyIDs   []string
	LastUpdated time.Time
	// Version is the store revision the record was read at; 0 when absent.
	Version int64
}

// IDs returns the saved session ids in record order.
func (r SavedRecord) IDs() []string {
	ids := make([]string, 0, len(r.Records))
	for _, ref := range r.Records {
		ids = append(ids, ref.SessionID)
	}
	return ids
}

// Contains reports whether sessionID is already saved.
func (r SavedRecord) Contains(sessionID string) bool {
	for _, ref := range r.Records {
		if ref.SessionID == sessionID {
			return true
		}
	}
	return false
}
