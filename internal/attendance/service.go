// Package attendance creates attendance sessions and records student
// check-ins against them.
package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pemss/internal/docstore"
	"pemss/internal/model"
)

var (
	ErrInvalidCode    = errors.New("attendance code does not match")
	ErrSessionClosed  = errors.New("attendance session is closed")
	ErrSessionExpired = errors.New("attendance session has expired")
	ErrBusy           = errors.New("attendance session is busy, try again")
	ErrNotEnrolled    = fmt.Errorf("%w: not enrolled in the session's section", model.ErrForbidden)
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewSession is the input for CreateSession.
type NewSession struct {
	Section     string        `json:"section" validate:"required,max=64"`
	Course      string        `json:"course" validate:"max=128"`
	Date        string        `json:"date"`
	Room        string        `json:"room" validate:"max=64"`
	TeacherName string        `json:"teacherName"`
	TeacherID   string        `json:"teacherId"`
	Code        string        `json:"attendanceCode" validate:"omitempty,len=6,alphanum"`
	TTL         time.Duration `json:"-"`
}

type checkInInput struct {
	SessionID string `validate:"required"`
	Code      string `validate:"required"`
}

// Service coordinates session lifecycle and check-in deduplication.
type Service struct {
	repo        *Repository
	ttl         time.Duration
	maxAttempts int
	validate    *validator.Validate
	log         *zap.Logger
	now         func() time.Time
}

// NewService creates a service backed by a repository. ttl is the default
// session lifetime.
func NewService(repo *Repository, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		ttl:         ttl,
		maxAttempts: 5,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log,
		now:         time.Now,
	}
}

// CreateSession opens a new active session.
func (s *Service) CreateSession(ctx context.Context, in NewSession) (model.AttendanceSession, error) {
	in.Section = strings.TrimSpace(in.Section)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	if err := s.validate.StructCtx(ctx, in); err != nil {
		return model.AttendanceSession{}, validationError(err)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	code := in.Code
	if code == "" {
		var err error
		if code, err = generateCode(6); err != nil {
			return model.AttendanceSession{}, err
		}
	}

	now := s.now().UTC()
	expires := now.Add(ttl)
	date := in.Date
	if date == "" {
		date = now.Format(time.RFC3339)
	}
	sess := model.AttendanceSession{
		ID:             uuid.NewString(),
		Section:        in.Section,
		Course:         in.Course,
		Date:           date,
		Room:           in.Room,
		TeacherName:    in.TeacherName,
		TeacherID:      in.TeacherID,
		AttendanceCode: code,
		Active:         true,
		ExpiresAt:      &expires,
		CreatedAt:      &now,
		Students:       []model.StudentEntry{},
	}
	if err := s.repo.Insert(ctx, sess); err != nil {
		return model.AttendanceSession{}, &model.PersistError{UserID: in.TeacherID, Err: err}
	}
	s.log.Info("attendance session created",
		zap.String("session_id", sess.ID), zap.String("section", sess.Section), zap.Time("expires_at", expires))
	return sess, nil
}

// CheckIn marks identity present in a session. Only callers enrolled in the
// session's section may check in. A student already marked present gets the
// existing entry back and nothing is written.
func (s *Service) CheckIn(ctx context.Context, sessionID, code string, identity model.Identity, name string, sections []string) (model.StudentEntry, error) {
	if err := s.validate.StructCtx(ctx, checkInInput{SessionID: sessionID, Code: code}); err != nil {
		return model.StudentEntry{}, validationError(err)
	}
	if identity.IsZero() {
		return model.StudentEntry{}, model.NewValidationError("identity", "required")
	}

	for attempt := 1; ; attempt++ {
		sess, version, err := s.repo.Get(ctx, sessionID)
		if err != nil {
			return model.StudentEntry{}, err
		}
		if !enrolled(sess.Section, sections) {
			return model.StudentEntry{}, ErrNotEnrolled
		}
		if !strings.EqualFold(sess.AttendanceCode, strings.TrimSpace(code)) {
			return model.StudentEntry{}, ErrInvalidCode
		}
		if !sess.Active {
			return model.StudentEntry{}, ErrSessionClosed
		}
		now := s.now().UTC()
		if sess.ExpiresAt != nil && now.After(*sess.ExpiresAt) {
			return model.StudentEntry{}, ErrSessionExpired
		}

		entry, changed := markPresent(&sess, identity, name, now)
		if !changed {
			return entry, nil
		}
		err = s.repo.Replace(ctx, sess, version)
		switch {
		case err == nil:
			s.log.Info("student checked in",
				zap.String("session_id", sessionID), zap.String("uid", identity.UID))
			return entry, nil
		case errors.Is(err, docstore.ErrConflict) && attempt < s.maxAttempts:
			continue
		case errors.Is(err, docstore.ErrConflict):
			return model.StudentEntry{}, ErrBusy
		default:
			return model.StudentEntry{}, &model.PersistError{UserID: identity.UID, Err: err}
		}
	}
}

func enrolled(section string, sections []string) bool {
	section = strings.TrimSpace(section)
	for _, s := range sections {
		if strings.TrimSpace(s) == section {
			return true
		}
	}
	return false
}

// markPresent updates or appends the entry for identity. It reports false
// when the student was already present.
func markPresent(sess *model.AttendanceSession, identity model.Identity, name string, now time.Time) (model.StudentEntry, bool) {
	for _, key := range identity.Keys() {
		for i := range sess.Students {
			if !key.Matches(sess.Students[i]) {
				continue
			}
			if sess.Students[i].IsPresent {
				return sess.Students[i], false
			}
			sess.Students[i].IsPresent = true
			sess.Students[i].Timestamp = &now
			if sess.Students[i].UserUID == "" {
				sess.Students[i].UserUID = identity.UID
			}
			return sess.Students[i], true
		}
	}
	entry := model.StudentEntry{
		UserUID:   identity.UID,
		StudentID: identity.StudentID,
		Email:     identity.Email,
		Name:      name,
		IsPresent: true,
		Timestamp: &now,
	}
	sess.Students = append(sess.Students, entry)
	return entry, true
}

// Close stops accepting check-ins.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewValidationError("sessionId", "required")
	}
	return s.repo.SetActive(ctx, sessionID, false)
}

// Delete removes a session.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewValidationError("sessionId", "required")
	}
	return s.repo.Delete(ctx, sessionID)
}

// List returns a section's sessions, newest first.
func (s *Service) List(ctx context.Context, section string) ([]model.AttendanceSession, error) {
	return s.repo.ListBySection(ctx, section)
}

func generateCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return model.NewValidationError(lowerFirst(fe.Field()), fe.Tag())
	}
	return model.NewValidationError("input", err.Error())
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func sortNewestFirst(sessions []model.AttendanceSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		di, dj := sessions[i].EffectiveDate(), sessions[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
