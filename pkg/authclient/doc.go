/*
Package authclient keeps a device signed in to the authentication backend.

# Overview

A Client owns the whole session lifecycle: signing in, storing rotating
credentials in a credstore.Store, refreshing them when the backend rejects
the access credential, and ending the session when refresh is impossible.

	store := credstore.New(memkv.New(), logger)
	client, err := authclient.New(authclient.Config{
		BaseURL: "https://auth.example.com",
		Store:   store,
		Logger:  logger,
	})

	identity, err := client.Login(ctx, authclient.LoginRequest{
		Email:    "user@example.com",
		Password: "secret",
	})

# Refresh

Refreshes are single-flight: the Coordinator runs at most one at a time, and
every caller asking while it runs receives that refresh's outcome. A refresh

  - checks the backend is reachable, and gives up without touching local
    state when it is not,
  - asks the backend which refresh credential belongs to the session,
    falling back to the local cache per the FallbackPolicy,
  - requires the backend to answer for the same subject as the stored
    access credential, and to hand back new credentials.

Any failure other than an unreachable backend wipes local credentials.

# Authenticated requests

Requester.Call retries exactly once: a 401 or 403 triggers a coordinated
refresh, and the request is sent again with the new credential. A second
rejection wipes the session and returns ErrAuthenticationExpired.

	resp, err := client.Call(ctx, authclient.Request{
		Method:       http.MethodGet,
		Path:         "/profile",
		RequiresAuth: true,
	})

# Errors

Sentinel errors (ErrNetworkUnreachable, ErrAuthenticationExpired, ...) are
matched with errors.Is. Backend rejections unrelated to authentication are
returned as *APIError, and refused refreshes as *RefreshRejectedError.
*/
package authclient
