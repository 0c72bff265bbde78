// Package callnode wires the signaling server, call manager, presence
// prober and storage into a terminal application.
package callnode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2p-call/internal/call"
	"p2p-call/internal/config"
	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/database"
	"p2p-call/internal/discovery"
	"p2p-call/internal/identity"
	"p2p-call/internal/media"
	"p2p-call/internal/netx"
	"p2p-call/internal/p2p"
	"p2p-call/internal/presence"
	"p2p-call/internal/storage/dbbolt"
	"p2p-call/internal/telemetry"
	"p2p-call/internal/uibridge"
	"p2p-call/internal/uiutil"
)

type App struct {
	cfg    Config
	conf   config.Config
	ui     Printer
	logger *logrus.Logger
	log    logrus.FieldLogger

	store  *dbbolt.Store
	sealer *envelope.Sealer
	dir    *contacts.Directory

	setMu    sync.RWMutex
	settings database.Settings

	Calls  *call.Manager
	Server *p2p.Server
	Prober *presence.Prober
	Hub    *uibridge.Hub

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
	stopped  sync.Once

	discMu     sync.Mutex
	discovered []discovery.Peer
}

// New opens the data directory and builds every component. Nothing is
// listening until Start.
func New(cfg Config, ui Printer, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = telemetry.New("info", os.Stderr)
	}
	if ui == nil {
		ui = NewStdPrinter(os.Stdout)
	}
	confPath := cfg.ConfigFile
	if confPath == "" {
		confPath = filepath.Join(cfg.DataDir, config.FileName)
	}
	conf, _, err := config.Ensure(confPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ConfigFile = confPath
	if cfg.Debug {
		conf.LogLevel = "debug"
	}
	telemetry.SetLevel(logger, conf.LogLevel)

	dbPath := conf.DatabaseFile
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.DataDir, dbPath)
	}
	store, err := dbbolt.Open(dbPath, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{
		cfg:     cfg,
		conf:    conf,
		ui:      ui,
		logger:  logger,
		log:     telemetry.Component(logger, "app"),
		store:   store,
		dir:     contacts.NewDirectory(),
		quit:    make(chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	if err := a.loadState(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// loadState reads settings and contacts, creating a fresh identity on
// first start.
func (a *App) loadState() error {
	st, ok, err := a.store.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		db, err := database.New()
		if err != nil {
			return err
		}
		st = db.Settings
		a.log.WithField("user", st.Username).Info("created new identity")
	}
	if a.cfg.Name != "" {
		st.Username = a.cfg.Name
	}
	if err := a.store.SaveSettings(st); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	id, err := st.Identity()
	if err != nil {
		return err
	}
	a.sealer = envelope.NewSealer(id)
	id.Wipe()
	a.settings = st

	list, err := a.store.Contacts()
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	a.dir.Replace(list)
	return nil
}

func (a *App) build() error {
	nw := netx.NewTCPNetwork(a.conf.ConnectTimeout())
	port := a.conf.ListenPort

	a.Calls = call.NewManager(call.Config{
		Username: a.Username,
		Network:  nw,
		Sealer:   a.sealer,
		Media: func() (call.MediaEngine, error) {
			e, err := media.New(media.Config{ICEServers: a.Settings().ICEServers, Logger: a.logger})
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		Port:          port,
		ReplyTimeout:  a.conf.ReadTimeout(),
		RingTimeout:   a.conf.RingTimeout(),
		AutoDismiss:   a.conf.AutoDismiss(),
		Logger:        a.logger,
		OnStateChange: a.onCallState,
		OnEvent: func(e database.Event) {
			if err := a.store.AppendEvent(e); err != nil {
				a.log.WithError(err).Warn("store call event")
			}
		},
		OnAddressWorked: func(pk identity.PublicKey, addr string) {
			a.dir.MarkOnline(pk, addr)
		},
	})

	bind := a.cfg.Bind
	if bind == "" {
		bind = a.conf.BindAddr()
	}
	srv, err := p2p.NewServer(p2p.Config{
		Network:             nw,
		BindAddr:            bind,
		Port:                port,
		Sealer:              a.sealer,
		Contacts:            a.dir,
		Calls:               a.Calls,
		BlockUnknown:        func() bool { return a.Settings().BlockUnknown },
		UnknownName:         a.conf.UnknownCallerName,
		FirstMessageTimeout: a.conf.FirstMessageTimeout(),
		ReadTimeout:         a.conf.ReadTimeout(),
		Logger:              a.logger,
	})
	if err != nil {
		return err
	}
	a.Server = srv

	a.Prober = presence.New(presence.Config{
		Network: nw,
		Sealer:  a.sealer,
		Port:    port,
		Timeout: a.conf.ProbeTimeout(),
		Logger:  a.logger,
	}, a.dir)

	a.Hub = uibridge.NewHub(a.logger, a.onUICommand)
	a.dir.SetOnChange(a.onContactChange)
	return nil
}

// Start opens the listener and the background loops. A bind failure is
// returned as is.
func (a *App) Start() error {
	if err := a.Server.Start(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if a.conf.LANDiscovery {
		lan := discovery.DefaultLANConfig()
		lan.Port = a.conf.LANPort
		if r, err := discovery.Listen(lan, a.announcement, a.logger); err != nil {
			a.log.WithError(err).Warn("LAN responder failed")
		} else {
			go r.Serve(a.ctx)
		}
	}

	go a.Prober.Run(a.ctx, a.conf.ProbeInterval())

	if a.conf.UIListen != "" {
		go func() {
			if err := a.Hub.Serve(a.ctx, a.conf.UIListen); err != nil {
				a.log.WithError(err).Error("ui bridge stopped")
			}
		}()
	}

	if err := config.Watch(a.ctx, a.cfg.ConfigFile, a.onConfigReload, func(err error) {
		a.log.WithError(err).Warn("config reload")
	}); err != nil {
		a.log.WithError(err).Debug("config watch unavailable")
	}
	return nil
}

// Run prints the banner, reads commands and relays server events until
// ctx ends or /quit.
func (a *App) Run(ctx context.Context) error {
	PrintBanner(a.ui, a)
	if !a.cfg.NoStdin {
		go a.readStdin(os.Stdin)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.quit:
			return nil
		case ev := <-a.Server.Events():
			a.printEvent(ev)
			a.Hub.Broadcast(uibridge.FromEvent(ev))
		}
	}
}

// StopAll says goodbye to online contacts and releases everything.
func (a *App) StopAll() {
	a.stopped.Do(func() {
		if c := a.Calls.Current(); c != nil {
			_ = c.HangUp()
		}
		gctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		n := a.Server.SendStatusOffline(gctx)
		cancel()
		a.log.WithField("contacts", n).Debug("sent offline status")

		a.cancel()
		_ = a.Server.Stop()
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("close database")
		}
		a.sealer.Wipe()
	})
}

func (a *App) Settings() database.Settings {
	a.setMu.RLock()
	defer a.setMu.RUnlock()
	return a.settings
}

func (a *App) Username() string { return a.Settings().Username }

// updateSettings applies fn and persists the result.
func (a *App) updateSettings(fn func(*database.Settings)) error {
	a.setMu.Lock()
	st := a.settings
	fn(&st)
	if err := a.store.SaveSettings(st); err != nil {
		a.setMu.Unlock()
		return err
	}
	a.settings = st
	a.setMu.Unlock()
	return nil
}

func (a *App) PublicKey() identity.PublicKey { return a.sealer.Public() }

func (a *App) announcement() discovery.Announcement {
	return discovery.Announcement{
		Name:      a.Username(),
		PublicKey: a.PublicKey(),
		Listen:    string(a.Server.ListenAddr()),
	}
}

func (a *App) onContactChange(c contacts.Contact, kind contacts.ChangeKind) {
	var err error
	switch kind {
	case contacts.ChangeAdded, contacts.ChangeUpdated:
		err = a.store.PutContact(c)
	case contacts.ChangeRemoved:
		err = a.store.DeleteContact(c.PublicKey)
	}
	if err != nil {
		a.log.WithError(err).WithField("contact", c.Name).Warn("persist contact")
	}
	a.Server.Publish(p2p.Event{Type: p2p.EventContactChanged, Contact: c, Change: kind})
}

func (a *App) onCallState(c *call.Call, sc call.StateChange) {
	a.Server.Publish(p2p.Event{Type: p2p.EventCallStateChanged, Contact: c.Peer(), Call: c, State: sc})
}

func (a *App) onUICommand(cmd uibridge.Command) {
	switch cmd.Action {
	case "accept", "decline", "hangup":
		a.handleCommand("/" + cmd.Action)
	default:
		a.log.WithField("action", cmd.Action).Debug("unknown ui command")
	}
}

func (a *App) onConfigReload(c config.Config) {
	if a.cfg.Debug {
		c.LogLevel = "debug"
	}
	telemetry.SetLevel(a.logger, c.LogLevel)
	a.log.WithField("log_level", c.LogLevel).Info("config reloaded")
}

func (a *App) printEvent(ev p2p.Event) {
	name := displayName(ev.Contact)
	switch ev.Type {
	case p2p.EventIncomingCall:
		a.ui.Printf("[CALL] incoming call from %s (%s), /accept or /decline\n", name, ev.Remote)
	case p2p.EventCallStateChanged:
		if ev.State.AutoDismiss {
			return
		}
		line := fmt.Sprintf("[CALL] %s: %s", name, ev.State.To)
		if ev.State.Err != nil && !errors.Is(ev.State.Err, call.ErrHungUp) {
			line += " (" + ev.State.Err.Error() + ")"
		}
		a.ui.Println(line)
	case p2p.EventContactChanged:
		if ev.Change == contacts.ChangeState {
			a.ui.Println(uiutil.Dim(fmt.Sprintf("[NET] %s is %s", name, ev.Contact.State)))
		}
	case p2p.EventPeerDisconnected:
		a.log.WithField("remote", ev.Remote).Debug("peer disconnected")
	}
}

func displayName(c contacts.Contact) string {
	return uiutil.Name(c.Name, c.PublicKey)
}
