package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
)

// Login signs in with email and password and stores the new session.
// Any refresh already running settles first, and none starts its attempt
// until the new credentials are stored.
func (c *Client) Login(ctx context.Context, req LoginRequest) (credstore.Identity, error) {
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return credstore.Identity{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var id credstore.Identity
	err := c.coord.exclusive(ctx, func() error {
		var err error
		id, err = c.login(ctx, req)
		return err
	})
	return id, err
}

func (c *Client) login(ctx context.Context, req LoginRequest) (credstore.Identity, error) {
	resp, err := c.api.postJSON(ctx, "/login", req, "")
	if err != nil {
		return credstore.Identity{}, err
	}
	if !isSuccess(resp.StatusCode) {
		return credstore.Identity{}, parseErrorResponse(resp.StatusCode, resp.Body)
	}

	var body LoginResponse
	if err := resp.Decode(&body); err != nil {
		return credstore.Identity{}, err
	}

	creds, err := body.normalize()
	if errors.Is(err, ErrSubjectMismatch) {
		actual := jwtx.SubjectOf(body.AccessToken)
		c.logger.Error("login answered for another subject, wiping session",
			"user_id", body.UserID,
			"token_subject", actual.String(),
		)
		c.reporter.ReportSecurityEvent(ctx, SecurityEvent{
			Kind:     "subject_mismatch",
			Stage:    "login",
			Expected: body.UserID,
			Actual:   actual.String(),
		})
		if wipeErr := c.store.Wipe(context.WithoutCancel(ctx)); wipeErr != nil {
			c.logger.Error("wipe failed", "error", wipeErr)
		}
		return credstore.Identity{}, err
	}
	if err != nil {
		return credstore.Identity{}, err
	}
	if !creds.subject.Valid {
		return credstore.Identity{}, fmt.Errorf("%w: no subject in login response", ErrMalformedResponse)
	}

	if err := c.persist(ctx, creds); err != nil {
		return credstore.Identity{}, err
	}

	c.logger.Info("login succeeded",
		"subject", creds.subject.ID,
		"refresh_fp", cryptox.Fingerprint(creds.refreshToken),
	)
	return creds.identity, nil
}

// persist saves credentials and identity. A failed write leaves nothing
// behind.
func (c *Client) persist(ctx context.Context, creds credentials) error {
	err := c.store.Save(ctx, creds.accessToken, creds.refreshToken)
	if err == nil {
		err = c.store.SaveIdentity(ctx, creds.identity)
	}
	if err != nil {
		if wipeErr := c.store.Wipe(context.WithoutCancel(ctx)); wipeErr != nil {
			c.logger.Error("wipe failed", "error", wipeErr)
		}
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Logout ends the session. It tells the backend on a best-effort basis and
// always wipes local credentials. A running refresh settles first, and
// none starts its attempt until the wipe is done.
func (c *Client) Logout(ctx context.Context) error {
	// The wipe must happen even if ctx is already done.
	wipeCtx := context.WithoutCancel(ctx)

	return c.coord.exclusive(wipeCtx, func() error {
		snap, err := c.store.Snapshot(wipeCtx)
		if err != nil {
			c.logger.Warn("could not read session before logout", "error", err)
		}

		if snap.RefreshToken != "" && ctx.Err() == nil {
			resp, err := c.api.postJSON(ctx, "/logout", refreshRequest{RefreshToken: snap.RefreshToken}, snap.AccessToken)
			switch {
			case err != nil:
				c.logger.Warn("logout request failed, wiping locally", "error", err)
			case !isSuccess(resp.StatusCode):
				c.logger.Warn("backend refused logout, wiping locally",
					"status", resp.StatusCode,
					"error", parseErrorResponse(resp.StatusCode, resp.Body),
				)
			}
		}

		if err := c.store.Wipe(wipeCtx); err != nil {
			return fmt.Errorf("wipe session: %w", err)
		}
		c.logger.Info("logged out")
		return nil
	})
}

// AccessToken returns the stored access credential, refreshing first when
// its advisory expiry is within the configured skew. When that refresh
// fails only because the backend is unreachable, the stored credential is
// returned as is.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if _, _, waited := c.coord.Wait(ctx); waited && ctx.Err() != nil {
		return "", ctx.Err()
	}

	token, err := c.storedAccess(ctx)
	if err != nil {
		return "", err
	}

	claims, ok := jwtx.DecodeUnverified(token)
	if !ok || !claims.ExpiresWithin(c.cfg.RefreshSkew, time.Now()) {
		return token, nil
	}

	if ok, err := c.coord.Refresh(ctx); !ok {
		c.logger.Info("proactive refresh failed", "error", err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return c.storedAccess(ctx)
}

func (c *Client) storedAccess(ctx context.Context) (string, error) {
	token, err := c.store.Access(ctx)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", fmt.Errorf("read access credential: %w", err)
	}
	return token, nil
}

// Identity returns the cached identity of the signed-in user.
func (c *Client) Identity(ctx context.Context) (credstore.Identity, error) {
	id, err := c.store.Identity(ctx)
	if errors.Is(err, credstore.ErrNotFound) {
		return credstore.Identity{}, ErrNotAuthenticated
	}
	return id, err
}

// IsAuthenticated reports whether an access credential is stored. It says
// nothing about whether the backend still accepts it; use Validate.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	_, err := c.store.Access(ctx)
	return err == nil
}

// Validate asks the backend whether the current session is valid.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	resp, err := c.requester.Call(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/validate",
		RequiresAuth: true,
	})
	if err != nil {
		return false, err
	}

	var body validateResponse
	if err := resp.Decode(&body); err != nil {
		return false, err
	}
	return body.Valid, nil
}

// Refresh forces a coordinated refresh.
func (c *Client) Refresh(ctx context.Context) (bool, error) {
	return c.coord.Refresh(ctx)
}

// Call sends an arbitrary request through the requester.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	return c.requester.Call(ctx, req)
}
