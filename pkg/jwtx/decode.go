package jwtx

import (
	"github.com/golang-jwt/jwt/v5"
)

// Subject is an optional subject identifier decoded from a credential.
// Valid is false when the credential could not be decoded or carried no
// subject.
type Subject struct {
	ID    string
	Valid bool
}

// None is the empty Subject.
var None = Subject{}

// Some wraps a known subject id.
func Some(id string) Subject {
	if id == "" {
		return None
	}
	return Subject{ID: id, Valid: true}
}

// Equal reports whether both subjects are valid and carry the same id.
func (s Subject) Equal(other Subject) bool {
	return s.Valid && other.Valid && s.ID == other.ID
}

func (s Subject) String() string {
	if !s.Valid {
		return "<none>"
	}
	return s.ID
}

// parser never validates: expiry, signature and issuer are the server's
// business, and an expired token must still yield its subject.
var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// DecodeUnverified reads the claims segment of token without verifying its
// signature. It never panics and never returns an error; ok is false for any
// malformed input.
//
// The result is a hint for consistency checks only. Do not make
// authorization decisions with it.
func DecodeUnverified(token string) (claims Claims, ok bool) {
	if token == "" {
		return Claims{}, false
	}

	defer func() {
		if recover() != nil {
			claims, ok = Claims{}, false
		}
	}()

	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Claims{}, false
	}
	return claims, true
}

// SubjectOf returns the subject embedded in token, or None.
func SubjectOf(token string) Subject {
	claims, ok := DecodeUnverified(token)
	if !ok {
		return None
	}
	return Some(claims.SubjectID())
}
