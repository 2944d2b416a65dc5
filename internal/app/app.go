package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"circlelink/internal/affinity"
	"circlelink/internal/config"
	"circlelink/internal/dedup"
	"circlelink/internal/delivery"
	"circlelink/internal/delivery/relay"
	"circlelink/internal/eventbus"
	"circlelink/internal/maintenance"
	"circlelink/internal/mute"
	"circlelink/internal/notifier"
	"circlelink/internal/observability/control"
	"circlelink/internal/realtime"
	"circlelink/internal/router"
	"circlelink/internal/statebus"
	"circlelink/internal/storage"
	"circlelink/internal/systemd"
	logx "circlelink/pkg/logx"
)

const (
	pruneJob      = "storage.prune"
	rejoinEvent   = "chat:join"
	rejoinTimeout = 5 * time.Second
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	cred atomic.Pointer[string]
	tg   atomic.Pointer[relay.Telegram]
	mute *muteSwitch

	aff     *affinity.Tracker
	dedup   *dedup.Cache
	host    *delivery.Host
	toasts  *delivery.Toasts
	browser *delivery.Browser
	native  *delivery.Native
	notif   *notifier.Service
	journal *router.Journal
	router  *router.Router

	states *statebus.Broadcaster[realtime.State]
	rt     *realtime.Manager

	maint *maintenance.Service
	ctl   *control.Service
	sd    *systemd.Notifier

	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfgPath: cfgPath, cfgm: cfgm}

	// The relay gets its own console logger: it must never log through the
	// service it feeds.
	tg, err := a.buildTelegram(cfg)
	if err != nil {
		return nil, err
	}
	var alerts logx.Relay
	if tg != nil {
		alerts = tg
	}
	logSvc, log := logx.New(mapLogConfig(cfg), alerts)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	a.journal = router.NewJournal(a.store, log.With(logx.String("comp", "journal")))

	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, a.posterFor(cfg), log.With(logx.String("comp", "notifier")), a.bus)

	hs, _ := mapHostState(cfg)
	a.host = delivery.NewHost(hs)
	ds, _ := mapDelivery(cfg)
	a.toasts = delivery.NewToasts(ds.toast, log.With(logx.String("comp", "toast")), a.bus)
	a.browser = delivery.NewBrowser(ds.browser, a.host, log.With(logx.String("comp", "browser")), a.bus)
	a.native = delivery.NewNative(a.notif, log.With(logx.String("comp", "native")))

	a.aff = affinity.New()
	dd, _ := mapDedup(cfg)
	a.dedup = dedup.New(dd.window, dd.softCap)

	a.mute = &muteSwitch{}
	if err := a.applyMute(cfg); err != nil {
		return nil, err
	}

	rcfg, _ := mapRouterConfig(cfg)
	rtr, err := router.New(router.Deps{
		Affinity:    a.aff,
		Dedup:       a.dedup,
		Mute:        a.mute,
		Credentials: a.credential,
		Host:        a.host,
		Toast:       a.toasts,
		Native:      a.native,
		Browser:     a.browser,
		Journal:     a.journal,
		Bus:         a.bus,
		Logger:      log.With(logx.String("comp", "router")),
	}, rcfg)
	if err != nil {
		return nil, err
	}
	a.router = rtr

	a.maint = maintenance.New(log.With(logx.String("comp", "maintenance")), a.bus)
	ccfg, _ := mapControlConfig(cfg)
	a.ctl = control.New(ccfg, a, log.With(logx.String("comp", "control")))
	a.sd = systemd.New(log.With(logx.String("comp", "systemd")))

	tok := strings.TrimSpace(cfg.Auth.Token)
	a.cred.Store(&tok)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Realtime is nil before Start.
func (a *App) Realtime() *realtime.Manager { return a.rt }

func (a *App) Affinity() *affinity.Tracker { return a.aff }

func (a *App) Journal() *router.Journal { return a.journal }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})
	cfg := a.cfgm.Get()

	a.notif.Start(a.sup.Context())
	a.journal.Start(a.sup.Context())

	rs, err := mapRealtime(cfg)
	if err != nil {
		return err
	}
	policy, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	dialer, err := realtime.NewWSDialer(rs.ws, a.logs.Logger().With(logx.String("comp", "ws")))
	if err != nil {
		return err
	}
	a.states = statebus.New[realtime.State](a.logs.Logger().With(logx.String("comp", "statebus")))
	a.states.Subscribe("app", a.onState)
	rt, err := realtime.New(a.sup.Context(), realtime.Config{
		Dialer:            dialer,
		Policy:            policy,
		HeartbeatInterval: rs.heartbeat,
		ConnectTimeout:    rs.connect,
		Broadcaster:       a.states,
		Logger:            a.logs.Logger().With(logx.String("comp", "realtime")),
	})
	if err != nil {
		return err
	}
	a.rt = rt
	rt.OnMessage("router", a.router.Handler(a.sup.Context()))

	if err := a.schedulePrune(cfg); err != nil {
		return err
	}
	a.maint.Start(a.sup.Context())

	if a.ctl.Enabled() {
		// The agent keeps running without its control API.
		_ = a.ctl.Start(a.sup.Context())
	}

	// Debug trace of bus traffic (delivery and maintenance events).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if tok := a.credential(); tok != "" {
		if err := rt.Connect(tok); err != nil {
			return err
		}
	} else {
		a.log.Warn("no credential configured; staying disconnected until auth.token is set")
	}

	a.sd.Ready()
	a.sd.Start(a.sup.Context(), a.healthy)

	a.log.Info("app started", logx.String("server", rs.ws.URL))
	return nil
}

// Reload re-reads the config file on demand (SIGHUP). Accepted changes reach
// the reload loop like a file-watch event.
func (a *App) Reload(ctx context.Context) {
	changed, err := a.cfgm.Reload(ctx)
	switch {
	case err != nil:
		a.log.Warn("config reload failed", logx.Err(err))
	case !changed:
		a.log.Info("config reload requested; file unchanged")
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if changed["delivery"] || changed["logging"] {
		tg, err := a.buildTelegram(newCfg)
		if err != nil {
			a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
		} else {
			a.tg.Store(tg)
			if tg != nil {
				a.logs.SetRelay(tg)
			} else {
				a.logs.SetRelay(nil)
			}
			a.notif.SetPoster(a.posterFor(newCfg))
		}
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if changed["router"] {
		if rcfg, err := mapRouterConfig(newCfg); err != nil {
			a.log.Warn("invalid router config; keeping previous", logx.Err(err))
		} else {
			a.router.Apply(rcfg)
		}
		od, _ := mapDedup(oldCfg)
		nd, _ := mapDedup(newCfg)
		if od != nd {
			a.log.Warn("router dedup settings changed; restart required for changes to take effect")
		}
	}

	if changed["host"] {
		if hs, err := mapHostState(newCfg); err != nil {
			a.log.Warn("invalid host config; keeping previous", logx.Err(err))
		} else {
			a.host.SetSurface(hs.Surface)
			a.host.SetHidden(hs.Hidden)
			a.host.SetPermission(hs.Permission)
		}
	}

	if changed["delivery"] {
		if ncfg, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid native delivery config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}

	if changed["mute"] {
		if err := a.applyMute(newCfg); err != nil {
			a.log.Warn("invalid mute config; keeping previous", logx.Err(err))
		}
	}

	if changed["control"] {
		if ccfg, err := mapControlConfig(newCfg); err != nil {
			a.log.Warn("invalid control config; keeping previous", logx.Err(err))
		} else {
			a.ctl.Reconfigure(c, ccfg)
		}
	}

	if config.RequiresReconnect(oldCfg, newCfg) {
		a.switchCredential(strings.TrimSpace(newCfg.Auth.Token))
	}

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.log.Info("config reloaded", fields...)
}

// onState runs on the statebus notify goroutine for every transition.
func (a *App) onState(s realtime.State) {
	a.log.Info("connection state", logx.String("state", s.String()))
	a.sd.Status("connection: " + s.String())
	if s != realtime.StateConnected {
		return
	}
	if id := a.aff.Active(); id != "" {
		a.emitJoin(id)
	}
}

// emitJoin tells the server which conversation is open so it can route
// foreground traffic for it.
func (a *App) emitJoin(conversationID string) {
	if a.sup == nil || a.rt == nil {
		return
	}
	a.sup.Go0("realtime.join", func(c context.Context) {
		ctx, cancel := context.WithTimeout(c, rejoinTimeout)
		defer cancel()
		err := a.rt.Emit(ctx, rejoinEvent, map[string]string{"chatId": conversationID})
		if err != nil && c.Err() == nil {
			a.log.Debug("join not sent", logx.String("conversation", conversationID), logx.Err(err))
		}
	})
}

// switchCredential ends the current account's session. Dedup entries and the
// open conversation belong to that account and are dropped before the new
// credential (if any) connects.
func (a *App) switchCredential(tok string) {
	a.dedup.Reset()
	a.aff.SetActive("")
	a.cred.Store(&tok)
	if tok == "" {
		a.log.Info("credential cleared; disconnecting")
		a.rt.Disconnect()
		return
	}
	a.log.Info("credential changed; reconnecting")
	if err := a.rt.Connect(tok); err != nil {
		a.log.Warn("reconnect with new credential failed", logx.Err(err))
	}
}

func (a *App) credential() string {
	if p := a.cred.Load(); p != nil {
		return *p
	}
	return ""
}

func (a *App) healthy() error {
	if a.sup == nil {
		return fmt.Errorf("not started")
	}
	return a.sup.Err()
}

func (a *App) buildTelegram(cfg *Config) (*relay.Telegram, error) {
	tcfg, ok, err := mapTelegram(cfg)
	if err != nil || !ok {
		return nil, err
	}
	tg, err := relay.NewTelegram(tcfg, logx.NewConsole("warn").With(logx.String("comp", "relay")))
	if err != nil {
		return nil, err
	}
	a.tg.Store(tg)
	return tg, nil
}

func (a *App) posterFor(cfg *Config) notifier.Poster {
	if strings.EqualFold(strings.TrimSpace(cfg.Delivery.Native.Backend), "telegram") {
		if tg := a.tg.Load(); tg != nil {
			return tg
		}
	}
	log := a.log
	if a.logs != nil {
		log = a.logs.Logger()
	}
	return notifier.LogPoster{Log: log.With(logx.String("comp", "native.log"))}
}

func (a *App) applyMute(cfg *Config) error {
	mc, enabled, err := mapMuteConfig(cfg)
	if err != nil {
		return err
	}
	if !enabled {
		a.mute.set(nil)
		return nil
	}
	log := logx.Nop()
	if a.logs != nil {
		log = a.logs.Logger().With(logx.String("comp", "mute"))
	}
	cl, err := mute.NewClient(mc, log)
	if err != nil {
		return err
	}
	a.mute.set(cl)
	return nil
}

func (a *App) schedulePrune(cfg *Config) error {
	if a.store == nil {
		return nil
	}
	ps, err := mapPruneConfig(cfg, a.maint.Validate)
	if err != nil {
		return err
	}
	if ps.retention <= 0 {
		return nil
	}
	job := maintenance.PruneDeliveries(a.store, ps.retention, a.logs.Logger().With(logx.String("comp", "prune")))
	return a.maint.Add(pruneJob, ps.schedule, time.Minute, job)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("control", time.Second, func(c context.Context) error { a.ctl.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("realtime", 2*time.Second, func(c context.Context) error {
		if a.rt != nil {
			return a.rt.Close(c)
		}
		return nil
	})
	step("browser", 500*time.Millisecond, func(context.Context) error { a.browser.CloseAll(); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("journal", time.Second, func(c context.Context) error { return a.journal.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("systemd", 500*time.Millisecond, func(c context.Context) error { return a.sd.Stop(c) })

	// Finally, wait for supervised goroutines (config watch/reload, joins, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
