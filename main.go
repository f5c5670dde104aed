package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gontrandl/autoweave-core/debounce"
	"github.com/gontrandl/autoweave-core/events"
	"github.com/gontrandl/autoweave-core/health"
	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/gontrandl/autoweave-core/memmon"
	"github.com/gontrandl/autoweave-core/pluginmgr"
	"github.com/gontrandl/autoweave-core/stream"
	"github.com/gontrandl/autoweave-core/usbdevice"
	"github.com/gontrandl/autoweave-core/watcher"
	"github.com/gontrandl/autoweave-core/workerpool"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

// Main is the principal function for the binary, wrapped only by `main`
// so callers can test startup failures as normal error returns.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	feed := events.New()

	store, err := stream.Open(cfg.StreamDBPath)
	if err != nil {
		return errors.Wrap(err, "opening event stream store")
	}
	defer store.Close()

	validator := manifest.NewValidator(cfg.HostMaxHeapMB)

	pool := workerpool.NewPool(poolConfigFrom(cfg), nil)

	mgr := pluginmgr.New(validator, pool, clock.Real(),
		log.With(logger, "component", "pluginmgr"),
		time.Duration(cfg.ReplayWindowMS)*time.Millisecond)

	watchCfg := watcher.DefaultConfig(cfg.PluginDirectory)
	watchCfg.MaxDepth = cfg.Watcher.MaxDepth
	watchCfg.SettleWindow = time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond
	fileWatcher, err := watcher.New(watchCfg, nil)
	if err != nil {
		return errors.Wrap(err, "starting plugin directory watcher")
	}
	defer fileWatcher.Close()

	debouncerCfg := debounce.Config{
		DebounceWindow:       time.Duration(cfg.Performance.DebounceMS) * time.Millisecond,
		MaxEventsPerSecond:   cfg.Performance.MaxEventsPerSecond,
		BatchSize:            cfg.Performance.BatchSize,
		BatchMaxAge:          time.Duration(cfg.Performance.DebounceMS) * time.Millisecond,
		BackpressureCapacity: cfg.Performance.EventBufferSize,
	}
	debouncer := debounce.New(clock.Real(), debouncerCfg)
	backoff := newBackoffController(debouncer, debouncerCfg.DebounceWindow, logger, feed)

	observer := usbdevice.NewObserver(usbdevice.NewNetlinkBackend("usb"), usbdevice.SysfsExtractor{}, 0)

	publisherCfg := stream.DefaultPublisherConfig()
	publisherCfg.MaxRetries = cfg.Publisher.MaxRetries
	publisherCfg.ShutdownWindow = time.Duration(cfg.Shutdown.TimeoutMS) * time.Millisecond
	publisher := stream.NewBatchPublisher(store, debouncer.Batches(), publisherCfg, clock.Real())
	publisher.OnBackpressure = backoff.set
	publisher.OnAppended = func(evs []stream.StreamEvent) {
		for _, ev := range evs {
			if errs := mgr.Dispatch(context.Background(), ev); len(errs) > 0 {
				for _, dispatchErr := range errs {
					level.Warn(logger).Log("msg", "dispatch error", "err", dispatchErr)
					feed.Publish(events.Event{Kind: events.KindPluginError, Reason: dispatchErr.Error()})
				}
			}
		}
	}

	mon := memmon.New(memmon.DefaultConfig(), feed)
	mon.Register(validator)
	mon.Register(observer)

	healthSrv := health.New(cfg.Listen, cfg.GRPCListen, func() health.Status {
		infos := mgr.List()
		st := health.Status{Plugins: make([]health.PluginStatus, 0, len(infos))}
		for _, info := range infos {
			st.Plugins = append(st.Plugins, health.PluginStatus{
				Dir: info.Dir, State: string(info.State), FailureCount: info.FailureCount,
			})
			if info.State == pluginmgr.StateActive {
				st.WorkersActive++
			}
		}
		if seq, err := store.LatestSequence(); err == nil {
			st.StreamSequence = seq
		}
		return st
	})

	loadSem := make(chan struct{}, cfg.Load.MaxConcurrent)
	loadTimeout := time.Duration(cfg.Load.TimeoutMS) * time.Millisecond

	var g run.Group
	{
		// Signal handling (teacher pattern).
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; draining; see you next time!")
			case <-cancel:
			}
			return nil
		}, func(error) { close(cancel) })
	}
	{
		g.Add(func() error { return healthSrv.RunHTTP() }, func(error) { healthSrv.Close() })
	}
	if cfg.GRPCListen != "" {
		g.Add(func() error { return healthSrv.RunGRPC() }, func(error) { healthSrv.Close() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { mon.Run(ctx); return nil }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := observer.Start(ctx); err != nil {
				return errors.Wrap(err, "starting device observer")
			}
			<-ctx.Done()
			return nil
		}, func(error) { cancel(); _ = observer.Stop() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			forwardObserverEvents(ctx, observer, debouncer, logger, feed)
			return nil
		}, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { debouncer.Run(ctx); return nil }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { publisher.Run(ctx); publisher.Stop(); return nil }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { fileWatcher.Run(ctx); return nil }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			forwardManifestChanges(ctx, fileWatcher, mgr, loadSem, loadTimeout, logger, feed)
			return nil
		}, func(error) { cancel() })
	}

	return g.Run()
}

// forwardObserverEvents feeds every usbdevice.Event into the debouncer
// and logs component alarms, per spec.md §4.1/§4.2's Observer->Debouncer
// hand-off.
func forwardObserverEvents(ctx context.Context, o *usbdevice.Observer, d *debounce.Debouncer, logger log.Logger, feed *events.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.Events():
			if !ok {
				return
			}
			d.Submit(ev)
		case err, ok := <-o.Alarms():
			if !ok {
				continue
			}
			level.Warn(logger).Log("msg", "usb observer alarm", "err", err)
		}
	}
}

// forwardManifestChanges drains settled watcher.Change values, bounding
// concurrent loads to load.max_concurrent and applying load.timeout_ms
// per spec.md §4.3/§6.
func forwardManifestChanges(ctx context.Context, w *watcher.Watcher, mgr *pluginmgr.Manager, sem chan struct{}, loadTimeout time.Duration, logger log.Logger, feed *events.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-w.Changes():
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(c watcher.Change) {
				defer func() { <-sem }()
				loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
				defer cancel()
				if err := mgr.OnChange(loadCtx, c); err != nil {
					level.Error(logger).Log("msg", "plugin manifest change failed", "dir", c.PluginDir, "err", err)
					feed.Publish(events.Event{Kind: events.KindPluginError, Subject: c.PluginDir, Reason: err.Error()})
					return
				}
				feed.Publish(events.Event{Kind: events.KindPluginLoaded, Subject: c.PluginDir})
			}(c)
		case err, ok := <-w.Errs():
			if !ok {
				continue
			}
			level.Warn(logger).Log("msg", "watcher error", "err", err)
		}
	}
}

func poolConfigFrom(cfg *Config) workerpool.PoolConfig {
	pc := workerpool.DefaultPoolConfig()
	pc.MinWorkers = cfg.WorkerPool.MinWorkers
	pc.MaxWorkers = cfg.WorkerPool.MaxWorkers
	pc.WorkerIdleTimeout = time.Duration(cfg.WorkerPool.IdleTimeoutMS) * time.Millisecond
	pc.Worker.HealthCheckInterval = time.Duration(cfg.WorkerPool.HealthCheckIntervalMS) * time.Millisecond
	return pc
}

func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// backoffController implements spec.md §5's publisher-backpressure
// contract: the Debouncer's window doubles while backpressure is
// active, capped at 4x its configured value, and restores once the
// signal clears.
type backoffController struct {
	d      *debounce.Debouncer
	base   time.Duration
	mult   atomic.Int64
	logger log.Logger
	feed   *events.Feed
}

func newBackoffController(d *debounce.Debouncer, base time.Duration, logger log.Logger, feed *events.Feed) *backoffController {
	b := &backoffController{d: d, base: base, logger: logger, feed: feed}
	b.mult.Store(1)
	return b
}

func (b *backoffController) set(active bool) {
	if active {
		next := b.mult.Load() * 2
		if next > 4 {
			next = 4
		}
		b.mult.Store(next)
		level.Warn(b.logger).Log("msg", "publisher backpressure active", "multiplier", next)
		b.feed.Publish(events.Event{Kind: events.KindBackpressure, Reason: fmt.Sprintf("multiplier=%d", next)})
	} else {
		b.mult.Store(1)
	}
	b.d.SetWindow(b.base * time.Duration(b.mult.Load()))
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
