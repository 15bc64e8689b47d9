package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/activity"
	"github.com/dmitrijs2005/gymportal/internal/client/config"
	"github.com/dmitrijs2005/gymportal/internal/client/directory"
	"github.com/dmitrijs2005/gymportal/internal/client/identity"
	"github.com/dmitrijs2005/gymportal/internal/client/localdb"
	"github.com/dmitrijs2005/gymportal/internal/client/provider"
	"github.com/dmitrijs2005/gymportal/internal/client/securestore"
	"github.com/dmitrijs2005/gymportal/internal/client/session"
	"github.com/dmitrijs2005/gymportal/internal/logging"
)

// startupTimeout bounds the wait for the first session decision.
const startupTimeout = 30 * time.Second

// sessionAPI is what the commands need from the session layer.
type sessionAPI interface {
	Start()
	Close()
	State() session.State
	Snapshot() session.AuthState
	Watch(ctx context.Context) <-chan session.AuthState
	SignOut(ctx context.Context)
}

type sessionHandle struct {
	*session.Synchronizer
	facade *session.Facade
}

func (h sessionHandle) Snapshot() session.AuthState { return h.facade.Snapshot() }

func (h sessionHandle) Watch(ctx context.Context) <-chan session.AuthState {
	return h.facade.Watch(ctx)
}

func (h sessionHandle) SignOut(ctx context.Context) { h.facade.SignOut(ctx) }

type App struct {
	config   *config.Config
	log      logging.Logger
	session  sessionAPI
	auth     provider.PasswordAuthenticator
	activity *activity.Bus
	reader   *bufio.Reader
	out      io.Writer
	cleanup  []func()
}

func NewApp(ctx context.Context, c *config.Config, log logging.Logger) (*App, error) {
	app := &App{
		config:   c,
		log:      log,
		activity: activity.NewBus(),
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
	}

	store, err := localdb.Open(ctx, c.StoreBackend, c.StorePath)
	if err != nil {
		log.Error(ctx, "error opening local store", "error", err)
		return nil, err
	}
	app.onClose(func() { _ = store.Close() })

	dirDB, err := directory.Open(c.DirectoryDSN)
	if err != nil {
		log.Error(ctx, "error opening directory database", "error", err)
		app.Close()
		return nil, err
	}
	app.onClose(func() { _ = dirDB.Close() })

	if c.MigrateDirectory {
		if err := directory.RunMigrations(ctx, dirDB); err != nil {
			log.Error(ctx, "error migrating directory schema", "error", err)
			app.Close()
			return nil, err
		}
	}

	secure := securestore.New(store.Metadata, c.InactivityTimeout, securestore.WithLogger(log))
	monitor := activity.NewMonitor(secure, app.activity, c.ActivityCheckInterval, c.ActivityCoalesceWindow, log)
	resolver := identity.NewResolver(
		directory.NewPostgresAdminDirectory(dirDB),
		directory.NewPostgresMemberDirectory(dirDB),
		log,
	)

	idp := provider.NewOIDCProvider(provider.Config{
		IssuerURL:     c.OIDC.IssuerURL,
		ClientID:      c.OIDC.ClientID,
		ClientSecret:  c.OIDC.ClientSecret,
		Scopes:        c.OIDC.Scopes,
		RevocationURL: c.OIDC.LogoutURL,
		RefreshMargin: c.OIDC.RefreshMargin,
	}, log)
	app.onClose(idp.Close)
	app.auth = idp

	synchronizer := session.New(session.Config{
		AbsoluteSessionDuration: c.AbsoluteSessionDuration,
		ResolveRetryAttempts:    c.ResolveRetryAttempts,
		ResolveRetryDelay:       c.ResolveRetryDelay,
	}, secure, monitor, resolver, idp, log, session.WithNotifier(NewTerminalNotifier(app.out)))
	app.session = sessionHandle{Synchronizer: synchronizer, facade: synchronizer.Facade()}
	app.onClose(synchronizer.Close)

	return app, nil
}

// onClose registers fn to run on Close, in reverse order.
func (a *App) onClose(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// Close releases everything NewApp opened.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// Run restores any stored session and then serves the REPL until the user
// exits or ctx is done.
func (a *App) Run(ctx context.Context) {
	defer a.Close()

	a.session.Start()
	a.awaitReady(ctx, startupTimeout)

	fmt.Fprintln(a.out, "Gym portal (type 'help' for commands)")
	if id := a.session.Snapshot().Identity; id != nil {
		fmt.Fprintf(a.out, "Welcome back, %s\n", id.DisplayName)
	}

	runREPL(ctx, a, a.prompt, a.touch, a.reader)
}

// awaitReady blocks until the synchronizer reached its first decision.
func (a *App) awaitReady(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for st := range a.session.Watch(ctx) {
		if !st.Loading {
			return
		}
	}
	a.log.Warn(ctx, "session restore is taking long, continuing")
}

func (a *App) touch() {
	a.activity.Emit(activity.SignalKey)
}

func (a *App) isLoggedIn() bool {
	return a.session.Snapshot().Identity != nil
}

// prompt renders the role-dependent REPL prompt.
func (a *App) prompt() string {
	id := a.session.Snapshot().Identity
	if id == nil {
		return "gym> "
	}
	return fmt.Sprintf("gym (%s:%s)> ", id.Role, id.DisplayName)
}
