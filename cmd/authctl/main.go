// Command authctl manages a device session against the authentication
// backend: sign in, inspect and revoke sessions, and keep the session alive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aussiebroadwan/authclient/internal/app"
	"github.com/aussiebroadwan/authclient/pkg/authclient"
	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"

	"golang.org/x/sync/errgroup"
)

const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitExpired = 3
)

const usage = `usage: authctl [global flags] <command> [flags]

commands:
  login -email <email> [-password <password>]
  logout
  whoami
  token
  refresh
  validate
  sessions
  revoke -id <session id>
  revoke-others
  probe
  keepalive [-interval <duration>] [-metrics-addr <addr>]

global flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses args and executes one command. Flags override environment,
// which overrides defaults.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg := app.LoadConfig()

	global := flag.NewFlagSet("authctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	global.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "backend base URL (AUTH_BASE_URL)")
	global.StringVar(&cfg.StoreKind, "store", cfg.StoreKind, "credential store: vault or memory (AUTH_STORE)")
	global.StringVar(&cfg.VaultFile, "vault-file", cfg.VaultFile, "vault file path (AUTH_VAULT_FILE)")
	global.StringVar(&cfg.SecretFile, "secret-file", cfg.SecretFile, "device secret file (AUTH_SECRET_FILE)")
	global.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (LOG_LEVEL)")

	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitUsage
	}
	command, rest := global.Arg(0), global.Args()[1:]

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "authctl: unknown command %q\n\n", command)
		global.Usage()
		return exitUsage
	}

	fs := flag.NewFlagSet("authctl "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	exec := cmd(fs, &cfg)
	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "authctl: %v\n", err)
		return exitError
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			fmt.Fprintf(stderr, "authctl: %v\n", err)
		}
	}()

	if err := exec(ctx, application, stdout); err != nil {
		fmt.Fprintf(stderr, "authctl %s: %v\n", command, err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, authclient.ErrAuthenticationExpired),
		errors.Is(err, authclient.ErrNotAuthenticated):
		return exitExpired
	default:
		return exitError
	}
}

var errUsage = errors.New("usage")

// A command registers its flags on fs and returns the function to run once
// they are parsed.
type command func(fs *flag.FlagSet, cfg *app.Config) func(ctx context.Context, a *app.Application, out io.Writer) error

var commands = map[string]command{
	"login":         loginCmd,
	"logout":        simpleCmd(logout),
	"whoami":        simpleCmd(whoami),
	"token":         simpleCmd(token),
	"refresh":       simpleCmd(refresh),
	"validate":      simpleCmd(validate),
	"sessions":      simpleCmd(sessions),
	"revoke":        revokeCmd,
	"revoke-others": simpleCmd(revokeOthers),
	"probe":         simpleCmd(probe),
	"keepalive":     keepaliveCmd,
}

func simpleCmd(fn func(ctx context.Context, a *app.Application, out io.Writer) error) command {
	return func(*flag.FlagSet, *app.Config) func(context.Context, *app.Application, io.Writer) error {
		return fn
	}
}

func loginCmd(fs *flag.FlagSet, cfg *app.Config) func(context.Context, *app.Application, io.Writer) error {
	email := fs.String("email", os.Getenv("AUTH_EMAIL"), "account email (AUTH_EMAIL)")
	password := fs.String("password", "", "account password (AUTH_PASSWORD)")
	device := fs.String("device", cfg.DeviceDescriptor, "device descriptor sent to the backend")

	return func(ctx context.Context, a *app.Application, out io.Writer) error {
		if *password == "" {
			*password = os.Getenv("AUTH_PASSWORD")
		}

		id, err := a.Client().Login(ctx, authclient.LoginRequest{
			Email:            *email,
			Password:         *password,
			DeviceDescriptor: *device,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "signed in as %s (%s)\n", id.Email, id.SubjectID)
		return nil
	}
}

func logout(ctx context.Context, a *app.Application, out io.Writer) error {
	if err := a.Client().Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "signed out")
	return nil
}

// whoami prints the cached identity alongside credential fingerprints and
// the advisory expiry. Tokens themselves are never printed here.
func whoami(ctx context.Context, a *app.Application, out io.Writer) error {
	snap, err := a.Client().Store().Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Identity == nil || snap.AccessToken == "" {
		return authclient.ErrNotAuthenticated
	}

	report := struct {
		credstore.Identity
		AccessFingerprint  string     `json:"accessFingerprint"`
		RefreshFingerprint string     `json:"refreshFingerprint,omitempty"`
		ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	}{
		Identity:           *snap.Identity,
		AccessFingerprint:  cryptox.Fingerprint(snap.AccessToken),
		RefreshFingerprint: cryptox.Fingerprint(snap.RefreshToken),
	}
	if claims, ok := jwtx.DecodeUnverified(snap.AccessToken); ok && claims.ExpiresAt != nil {
		report.ExpiresAt = &claims.ExpiresAt.Time
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func token(ctx context.Context, a *app.Application, out io.Writer) error {
	tok, err := a.Client().AccessToken(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func refresh(ctx context.Context, a *app.Application, out io.Writer) error {
	if _, err := a.Client().Refresh(ctx); err != nil {
		if !errors.Is(err, authclient.ErrNetworkUnreachable) {
			return fmt.Errorf("%w: %w", authclient.ErrAuthenticationExpired, err)
		}
		return err
	}
	fmt.Fprintln(out, "refreshed")
	return nil
}

func validate(ctx context.Context, a *app.Application, out io.Writer) error {
	valid, err := a.Client().Validate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "valid: %t\n", valid)
	return nil
}

func sessions(ctx context.Context, a *app.Application, out io.Writer) error {
	list, err := a.Client().Sessions().List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tADDRESS\tLAST USED\tCURRENT")
	for _, s := range list {
		current := ""
		if s.IsCurrentSession {
			current = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.DeviceDescriptor, s.NetworkAddress, s.LastUsedAt.Local().Format(time.DateTime), current)
	}
	return tw.Flush()
}

func revokeCmd(fs *flag.FlagSet, _ *app.Config) func(context.Context, *app.Application, io.Writer) error {
	id := fs.String("id", "", "session id to revoke")

	return func(ctx context.Context, a *app.Application, out io.Writer) error {
		if *id == "" {
			return fmt.Errorf("%w: -id is required", errUsage)
		}
		if err := a.Client().Sessions().Revoke(ctx, *id); err != nil {
			return err
		}
		fmt.Fprintf(out, "revoked %s\n", *id)
		return nil
	}
}

func revokeOthers(ctx context.Context, a *app.Application, out io.Writer) error {
	if err := a.Client().Sessions().RevokeAllOthers(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "revoked all other sessions")
	return nil
}

func probe(ctx context.Context, a *app.Application, out io.Writer) error {
	res := a.Client().Probe().Check(ctx)
	if !res.Reachable {
		return fmt.Errorf("%w: %s", authclient.ErrNetworkUnreachable, res.Err)
	}
	fmt.Fprintf(out, "reachable in %s\n", res.Latency.Round(time.Millisecond))
	return nil
}

func keepaliveCmd(fs *flag.FlagSet, cfg *app.Config) func(context.Context, *app.Application, io.Writer) error {
	fs.DurationVar(&cfg.KeepaliveInterval, "interval", cfg.KeepaliveInterval, "tick interval (AUTH_KEEPALIVE_INTERVAL)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics on this address (AUTH_METRICS_ADDR)")

	return func(ctx context.Context, a *app.Application, out io.Writer) error {
		if !a.Client().IsAuthenticated(ctx) {
			return authclient.ErrNotAuthenticated
		}

		k := a.Keepalive()
		k.Start()
		fmt.Fprintf(out, "keeping session alive every %s, interrupt to stop\n", k.Interval)

		eg, egCtx := errgroup.WithContext(ctx)

		if addr := a.Config().MetricsAddr; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.MetricsHandler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			eg.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			eg.Go(func() error {
				<-egCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		eg.Go(func() error {
			<-egCtx.Done()
			k.Stop()
			return nil
		})

		return eg.Wait()
	}
}
