// Package app assembles a ClawDesk runtime from configuration: the gateway
// connection manager, the session registry kept in step with gateway events,
// and the local stores. The CLI, the TUI and the HTTP bridge all run on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/highclaw/clawdesk/internal/config"
	"github.com/highclaw/clawdesk/internal/gateway/auth"
	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/events"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/session"
	"github.com/highclaw/clawdesk/internal/gateway/transport"
	"github.com/highclaw/clawdesk/internal/store"
	"github.com/highclaw/clawdesk/internal/system/tasklog"
	"github.com/highclaw/clawdesk/internal/templates"
)

// ErrUnknownConnection is returned for a connection name missing from config.
var ErrUnknownConnection = errors.New("unknown connection")

// Options configure New.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Dialer overrides the WebSocket dialer; tests point it at a fake gateway.
	Dialer transport.Dialer
	// NoTaskLog disables the operation audit database.
	NoTaskLog bool
}

// App is a running ClawDesk client.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Manager   *client.Manager
	Sessions  *session.Registry
	Store     *store.Store
	Templates *templates.Library
	Tasks     *tasklog.Store

	dataDir string
	subs    []events.Subscription
}

// New opens the stores and builds the manager. Close releases them.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Sessions: session.NewRegistry(),
		dataDir:  cfg.ResolvedDataDir(),
	}

	if err := a.Sessions.Load(session.RegistryPath(a.dataDir)); err != nil {
		logger.Warn("could not restore session registry", "error", err)
	}

	st, err := store.Open(store.DefaultPath(a.dataDir))
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.Templates = templates.New(st)

	var recorder client.Recorder
	if !opts.NoTaskLog {
		tasks, err := tasklog.NewStore(tasklog.Config{Dir: filepath.Join(a.dataDir, "state")}, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.Tasks = tasks
		recorder = tasks
	}

	var device *auth.DeviceIdentity
	if path := strings.TrimSpace(cfg.Client.DeviceIdentity); path != "" {
		device, err = auth.LoadOrCreateDeviceIdentity(path)
		if err != nil {
			_ = a.closeStores()
			return nil, fmt.Errorf("device identity: %w", err)
		}
	}

	a.Manager = client.NewManager(client.Options{
		Dialer:   opts.Dialer,
		Logger:   logger,
		Recorder: recorder,
		Client: protocol.ClientInfo{
			ID:       cfg.Client.ID,
			Version:  cfg.Client.Version,
			Platform: cfg.Client.Platform,
			Mode:     cfg.Client.Mode,
		},
		Role:           cfg.Client.Role,
		Scopes:         cfg.Client.Scopes,
		Device:         device,
		AuthTimeout:    cfg.Timeouts.Auth,
		ListTimeout:    cfg.Timeouts.SessionsList,
		HistoryTimeout: cfg.Timeouts.History,
		MutateTimeout:  cfg.Timeouts.Mutation,
	})
	a.track()
	return a, nil
}

// DataDir returns where state is kept.
func (a *App) DataDir() string { return a.dataDir }

// track keeps the registry in step with what the gateway pushes.
func (a *App) track() {
	a.subs = append(a.subs,
		a.Manager.Subscribe(client.EventSessions, func(ev events.Event) {
			if p, ok := ev.Payload.(client.SessionsEvent); ok {
				a.Sessions.Sync(ev.ConnectionID, p.Sessions)
			}
		}),
		a.Manager.Subscribe(client.EventMessage, func(ev events.Event) {
			p, ok := ev.Payload.(client.MessageEvent)
			if !ok || p.Message.SessionKey == "" {
				return
			}
			a.Sessions.Touch(ev.ConnectionID, p.Message.SessionKey, p.Message.Content, p.Message.Timestamp, true)
		}),
	)
}

// ClientConfig turns a saved connection into the manager's Config.
func ClientConfig(spec config.ConnectionSpec) client.Config {
	proto := client.Protocol(spec.Protocol)
	if proto == "" {
		proto = client.ProtocolWebSocket
	}
	return client.Config{
		Name:      spec.Name,
		Endpoint:  spec.Endpoint,
		Token:     spec.Token,
		Protocol:  proto,
		CreatedAt: spec.CreatedAt,
	}
}

// ConnectionID returns the manager id of the saved connection name.
func (a *App) ConnectionID(name string) (string, error) {
	spec, ok := a.Config.FindConnection(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	return ClientConfig(spec).ConnectionID(), nil
}

// Connect connects the saved connection name.
func (a *App) Connect(ctx context.Context, name string) (*client.Connection, error) {
	spec, ok := a.Config.FindConnection(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	return a.Manager.Connect(ctx, ClientConfig(spec))
}

// RefreshSessions lists the gateway's sessions and syncs the registry.
func (a *App) RefreshSessions(ctx context.Context, connID string) ([]session.Session, error) {
	summaries, err := a.Manager.ListSessions(ctx, connID)
	if err != nil {
		return nil, err
	}
	a.Sessions.Sync(connID, summaries)
	return a.Sessions.List(connID), nil
}

// resolve maps a local id or server key to a session; an unknown server key
// is registered so callers can address sessions they have not listed yet.
func (a *App) resolve(connID, ref string) (session.Session, error) {
	sess, err := a.Sessions.Resolve(connID, ref)
	if err == nil {
		return sess, nil
	}
	if strings.Contains(ref, ":") {
		return a.Sessions.Ensure(connID, ref), nil
	}
	return session.Session{}, fmt.Errorf("%w: %s", err, ref)
}

// History fetches the transcript of ref and clears its unread count.
func (a *App) History(ctx context.Context, connID, ref string) (session.Session, []client.Message, error) {
	sess, err := a.resolve(connID, ref)
	if err != nil {
		return session.Session{}, nil, err
	}
	msgs, err := a.Manager.FetchHistory(ctx, connID, sess.Key)
	if err != nil {
		return sess, nil, err
	}
	a.Sessions.MarkRead(sess.ID)
	if n := len(msgs); n > 0 {
		a.Sessions.Touch(connID, sess.Key, msgs[n-1].Content, msgs[n-1].Timestamp, false)
	}
	sess, _ = a.Sessions.Get(sess.ID)
	return sess, msgs, nil
}

// Send sends content to ref.
func (a *App) Send(ctx context.Context, connID, ref, content string) (client.Message, error) {
	sess, err := a.resolve(connID, ref)
	if err != nil {
		return client.Message{}, err
	}
	msg, err := a.Manager.SendMessage(ctx, connID, sess.Key, content, nil)
	if err != nil {
		return msg, err
	}
	a.Sessions.Touch(connID, sess.Key, content, msg.Timestamp, false)
	return msg, nil
}

// Upload sends the file at path to ref.
func (a *App) Upload(ctx context.Context, connID, ref, path string) (client.Upload, error) {
	sess, err := a.resolve(connID, ref)
	if err != nil {
		return client.Upload{}, err
	}
	up, err := a.Manager.UploadFile(ctx, connID, sess.Key, path)
	if err != nil {
		return up, err
	}
	a.Sessions.Touch(connID, sess.Key, "["+up.FileName+"]", up.StartedAt, false)
	return up, nil
}

// Rename relabels ref on the gateway, then locally.
func (a *App) Rename(ctx context.Context, connID, ref, name string) (session.Session, error) {
	sess, err := a.resolve(connID, ref)
	if err != nil {
		return session.Session{}, err
	}
	if err := a.Manager.RenameSession(ctx, connID, sess.Key, name); err != nil {
		return sess, err
	}
	if err := a.Sessions.Rename(sess.ID, strings.TrimSpace(name)); err != nil {
		return sess, err
	}
	sess, _ = a.Sessions.Get(sess.ID)
	return sess, nil
}

// Delete deletes ref on the gateway, then locally.
func (a *App) Delete(ctx context.Context, connID, ref string, deleteTranscript bool) error {
	sess, err := a.resolve(connID, ref)
	if err != nil {
		return err
	}
	if err := a.Manager.DeleteSession(ctx, connID, sess.Key, deleteTranscript); err != nil {
		return err
	}
	a.Sessions.Remove(sess.ID)
	return nil
}

// Close disconnects everything, saves the registry and closes the stores.
func (a *App) Close() error {
	for _, sub := range a.subs {
		a.Manager.Unsubscribe(sub)
	}
	errs := []error{a.Manager.Close()}
	a.Sessions.PruneStale(30 * 24 * time.Hour)
	errs = append(errs, a.Sessions.Save(session.RegistryPath(a.dataDir)), a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.Tasks != nil {
		errs = append(errs, a.Tasks.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
