package authclient

import (
	"time"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
)

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required"`
	DeviceDescriptor string `json:"deviceDescriptor,omitempty" validate:"omitempty,max=256"`
	NetworkAddress   string `json:"networkAddress,omitempty" validate:"omitempty,ip"`
}

// LoginResponse is the data of a successful POST /login.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	FullName     string `json:"fullName"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// RefreshResponse is the data of a successful POST /refresh. Older backends
// name the access credential "token".
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	FullName     string `json:"fullName"`
}

// credentials is a normalised login or refresh result.
type credentials struct {
	accessToken  string
	refreshToken string
	// subject is userId when the backend sent one, else the decoded
	// subject of accessToken.
	subject  jwtx.Subject
	identity credstore.Identity
}

// normalize picks accessToken over token and rejects responses missing
// either credential.
func (r RefreshResponse) normalize() (credentials, error) {
	access := r.AccessToken
	if access == "" {
		access = r.Token
	}
	return newCredentials(access, r.RefreshToken, r.UserID, r.Email, r.Username, r.FullName)
}

func (r LoginResponse) normalize() (credentials, error) {
	return newCredentials(r.AccessToken, r.RefreshToken, r.UserID, r.Email, r.Username, r.FullName)
}

func newCredentials(access, refresh, userID, email, username, fullName string) (credentials, error) {
	if access == "" || refresh == "" {
		return credentials{}, ErrMalformedResponse
	}

	decoded := jwtx.SubjectOf(access)
	if userID != "" && decoded.Valid && decoded.ID != userID {
		return credentials{}, ErrSubjectMismatch
	}

	subject := jwtx.Some(userID)
	if !subject.Valid {
		subject = decoded
	}

	return credentials{
		accessToken:  access,
		refreshToken: refresh,
		subject:      subject,
		identity: credstore.Identity{
			SubjectID:   subject.ID,
			Email:       email,
			Username:    username,
			DisplayName: fullName,
		},
	}, nil
}

// Session is one device session of the signed-in user.
type Session struct {
	ID               string    `json:"id"`
	DeviceDescriptor string    `json:"deviceDescriptor"`
	NetworkAddress   string    `json:"networkAddress"`
	LastUsedAt       time.Time `json:"lastUsedAt"`
	IsCurrentSession bool      `json:"isCurrentSession"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type currentRefreshTokenResponse struct {
	RefreshToken string `json:"refreshToken"`
}

type revokeSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}
