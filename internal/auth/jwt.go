// Package auth verifies bearer tokens and exposes the signed-in principal
// to gin handlers.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pemss/internal/model"
)

// Roles recognised by the API.
const (
	RoleStudent   = "student"
	RoleTeacher   = "teacher"
	RoleRegistrar = "registrar"
	RoleAdmin     = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller.
type Principal struct {
	UID       string   `json:"uid"`
	Email     string   `json:"email,omitempty"`
	StudentID string   `json:"studentId,omitempty"`
	Role      string   `json:"role"`
	Sections  []string `json:"sections,omitempty"`
}

// Identity returns the keys used to find the caller inside a session.
func (p Principal) Identity() model.Identity {
	return model.Identity{UID: p.UID, StudentID: p.StudentID, Email: p.Email}
}

// IsStaff reports whether p may work with sections outside its enrollment.
func (p Principal) IsStaff() bool {
	switch p.Role {
	case RoleTeacher, RoleRegistrar, RoleAdmin:
		return true
	}
	return false
}

// ScopeSections narrows requested to the sections p may watch. Staff get
// requested unchanged, or their own sections when it is empty. Students get
// the overlap with their enrolled sections, all of them when requested is
// empty, and model.ErrForbidden when the overlap is empty.
func (p Principal) ScopeSections(requested []string) ([]string, error) {
	if len(requested) == 0 {
		if !p.IsStaff() && len(p.Sections) == 0 {
			return nil, model.ErrForbidden
		}
		return p.Sections, nil
	}
	if p.IsStaff() {
		return requested, nil
	}
	enrolled := make(map[string]struct{}, len(p.Sections))
	for _, s := range p.Sections {
		enrolled[strings.TrimSpace(s)] = struct{}{}
	}
	var out []string
	for _, s := range requested {
		if _, ok := enrolled[s]; ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, model.ErrForbidden
	}
	return out, nil
}

// Verifier turns a raw bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Claims represents JWT payload.
type Claims struct {
	UID       string   `json:"uid"`
	Email     string   `json:"email,omitempty"`
	StudentID string   `json:"studentId,omitempty"`
	Role      string   `json:"role"`
	Sections  []string `json:"sections,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs an HS256 access token for p.
func Issue(p Principal, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UID:       p.UID,
		Email:     p.Email,
		StudentID: p.StudentID,
		Role:      p.Role,
		Sections:  p.Sections,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.UID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.UID == "" {
		claims.UID = claims.Subject
	}
	if claims.UID == "" {
		return Claims{}, errors.New("token has no subject")
	}
	return *claims, nil
}

// JWTVerifier accepts tokens minted by Issue.
type JWTVerifier struct {
	Key    string
	Issuer string
}

func (v JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	c, err := Parse(token, v.Key, v.Issuer)
	if err != nil {
		return Principal{}, err
	}
	role := c.Role
	if role == "" {
		role = RoleStudent
	}
	return Principal{UID: c.UID, Email: c.Email, StudentID: c.StudentID, Role: role, Sections: c.Sections}, nil
}
