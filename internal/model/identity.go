package model

import "strings"

// IdentityKind names which student field a key joins on.
type IdentityKind string

const (
	KindUID       IdentityKind = "uid"
	KindStudentID IdentityKind = "studentId"
	KindEmail     IdentityKind = "email"
)

// IdentityKey is a single join key for locating a student inside a session.
type IdentityKey struct {
	Kind  IdentityKind
	Value string
}

// Matches reports whether entry carries this key. Emails compare case-insensitively.
func (k IdentityKey) Matches(entry StudentEntry) bool {
	if k.Value == "" {
		return false
	}
	switch k.Kind {
	case KindUID:
		return entry.UserUID == k.Value
	case KindStudentID:
		return entry.StudentID == k.Value
	case KindEmail:
		return entry.Email != "" && strings.EqualFold(entry.Email, k.Value)
	}
	return false
}

// Identity is the signed-in user as supplied by the auth collaborator.
type Identity struct {
	UID       string
	StudentID string
	Email     string
}

// Keys returns the join keys in precedence order uid, studentId, email.
// Older session documents stored the auth uid in studentId, so the uid is
// used for that key when no school student id is known.
func (id Identity) Keys() []IdentityKey {
	keys := make([]IdentityKey, 0, 3)
	if id.UID != "" {
		keys = append(keys, IdentityKey{Kind: KindUID, Value: id.UID})
	}
	studentID := id.StudentID
	if studentID == "" {
		studentID = id.UID
	}
	if studentID != "" {
		keys = append(keys, IdentityKey{Kind: KindStudentID, Value: studentID})
	}
	if id.Email != "" {
		keys = append(keys, IdentityKey{Kind: KindEmail, Value: id.Email})
	}
	return keys
}

// IsZero reports whether the identity has no usable key.
func (id Identity) IsZero() bool {
	return id.UID == "" && id.StudentID == "" && id.Email == ""
}

// FindStudent returns the entry matching the highest-precedence key of id,
// and the kind that matched. A uid match wins over an earlier email match.
func FindStudent(entries []StudentEntry, id Identity) (*StudentEntry, IdentityKind, bool) {
	for _, key := range id.Keys() {
		for i := range entries {
			if key.Matches(entries[i]) {
				e := entries[i]
				return &e, key.Kind, true
			}
		}
	}
	return nil, "", false
}

// ResolveStatus maps a session to present/absent for id. No matching entry is absent.
func ResolveStatus(session AttendanceSession, id Identity) AttendanceStatus {
	entry, _, ok := FindStudent(session.Students, id)
	if ok && entry.IsPresent {
		return StatusPresent
	}
	return StatusAbsent
}
