package auth

import (
	"context"
	"strings"

	fbauth "firebase.google.com/go/v4/auth"
)

// IDTokenVerifier is the part of the Firebase auth client used here.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier accepts Firebase ID tokens. Role, studentId and sections
// come from custom claims; a missing role means student.
type FirebaseVerifier struct {
	Client IDTokenVerifier
}

func (v FirebaseVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	tok, err := v.Client.VerifyIDToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		UID:       tok.UID,
		Email:     stringClaim(tok.Claims, "email"),
		StudentID: stringClaim(tok.Claims, "studentId"),
		Role:      stringClaim(tok.Claims, "role"),
		Sections:  sectionsClaim(tok.Claims["sections"]),
	}
	if p.Role == "" {
		p.Role = RoleStudent
	}
	return p, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}

// sectionsClaim accepts a list or a comma separated string.
func sectionsClaim(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
