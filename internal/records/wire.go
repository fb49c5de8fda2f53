package records

import (
	"time"

	"pemss/internal/docstore"
	"pemss/internal/model"
)

// wireRecord is the stored document. attendanceIds is the legacy mirror kept
// for older readers; attendanceRecords is the current shape.
type wireRecord struct {
	AttendanceRecords []wireRef `json:"attendanceRecords"`
	AttendanceIDs     []string  `json:"attendanceIds"`
	LastUpdated       any       `json:"lastUpdated"`
}

type wireRef struct {
	ID      string `json:"id"`
	Section string `json:"section"`
	AddedAt any    `json:"addedAt"`
}

// upgrade turns any stored shape into the canonical record. Documents may
// carry only attendanceRecords, only the legacy attendanceIds, or both.
// Structured entries win; legacy-only ids get the unknown section. Nothing
// outside this function looks at which shape was stored.
func upgrade(w wireRecord) model.SavedRecord {
	rec := model.SavedRecord{}
	seen := make(map[string]struct{}, len(w.AttendanceRecords)+len(w.AttendanceIDs))

	for _, r := range w.AttendanceRecords {
		if r.ID == "" {
			continue
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		section := r.Section
		if section == "" {
			section = model.UnknownSection
		}
		addedAt := timeValue(r.AddedAt)
		rec.Records = append(rec.Records, model.SessionReference{SessionID: r.ID, Section: section, AddedAt: addedAt})
	}
	for _, id := range w.AttendanceIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rec.Records = append(rec.Records, model.SessionReference{SessionID: id, Section: model.UnknownSection})
	}

	rec.LegacyIDs = rec.IDs()
	rec.LastUpdated = timeValue(w.LastUpdated)
	return rec
}

// timeValue reads a stored timestamp: an ISO string, epoch milliseconds as
// written by browser clients, or a {seconds, nanoseconds} timestamp object.
func timeValue(v any) time.Time {
	switch t := v.(type) {
	case string:
		parsed, _ := model.ParseLooseDate(t)
		return parsed
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	case map[string]any:
		secs, _ := t["seconds"].(float64)
		nanos, _ := t["nanoseconds"].(float64)
		if secs == 0 && nanos == 0 {
			return time.Time{}
		}
		return time.Unix(int64(secs), int64(nanos)).UTC()
	}
	return time.Time{}
}

// toWire renders rec for storage with both id lists in step and a
// store-assigned lastUpdated.
func toWire(rec model.SavedRecord) map[string]any {
	refs := make([]any, 0, len(rec.Records))
	ids := make([]any, 0, len(rec.Records))
	for _, r := range rec.Records {
		addedAt := ""
		if !r.AddedAt.IsZero() {
			addedAt = r.AddedAt.UTC().Format(time.RFC3339Nano)
		}
		refs = append(refs, map[string]any{
			"id":      r.SessionID,
			"section": r.Section,
			"addedAt": addedAt,
		})
		ids = append(ids, r.SessionID)
	}
	return map[string]any{
		"attendanceRecords": refs,
		"attendanceIds":     ids,
		"lastUpdated":       docstore.ServerTimestamp,
	}
}

// WireShape renders rec the way it is stored, for API responses.
func WireShape(rec model.SavedRecord) map[string]any {
	out := toWire(rec)
	out["lastUpdated"] = rec.LastUpdated.UTC().Format(time.RFC3339Nano)
	return out
}
