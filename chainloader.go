// chainloader.go: the chainload state machine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Log source names owned by the chainloader.
const (
	ChainloaderLogSourceName = "Chainloader"
	PreloaderLogSourceName   = "Preloader"
)

// State is the chainloader lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateDiscovering
	StateResolving
	StateLoading
	StateExecuted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDiscovering:
		return "discovering"
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StateExecuted:
		return "executed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// LoadEventType distinguishes load notifications.
type LoadEventType int

const (
	// EventPluginInstantiated is published after construction, before Load.
	EventPluginInstantiated LoadEventType = iota
	// EventPluginLoaded is published after Load returned, before the next
	// plugin is touched. Err carries the load error, if any.
	EventPluginLoaded
)

// String returns the string representation of the event type.
func (t LoadEventType) String() string {
	switch t {
	case EventPluginInstantiated:
		return "plugin_instantiated"
	case EventPluginLoaded:
		return "plugin_loaded"
	default:
		return fmt.Sprintf("LoadEventType(%d)", int(t))
	}
}

// LoadEvent describes one step of a plugin load.
type LoadEvent struct {
	Type       LoadEventType
	Descriptor *PluginDescriptor
	Module     Module
	Instance   *PluginInstance
	Err        error
}

// LoadObserver receives load events synchronously, on the chainloader's
// goroutine. A panicking observer is logged and ignored.
type LoadObserver interface {
	OnPluginEvent(event LoadEvent)
}

// LoadObserverFunc adapts a function to the LoadObserver interface.
type LoadObserverFunc func(event LoadEvent)

// OnPluginEvent implements LoadObserver.
func (f LoadObserverFunc) OnPluginEvent(event LoadEvent) { f(event) }

// Option configures a Chainloader.
type Option func(*Chainloader)

// WithLogManager shares an existing log manager, typically the one early
// subsystems already log through.
func WithLogManager(manager *LogManager) Option {
	return func(c *Chainloader) { c.logs = manager }
}

// WithBootstrapBuffer sets the buffer holding early log events. It is
// replayed once during Initialize when Logging.ReplayBootstrap is on.
func WithBootstrapBuffer(buffer *BootstrapLogBuffer) Option {
	return func(c *Chainloader) { c.bootstrap = buffer }
}

// WithMetadataReader replaces the default wasm and manifest reader.
func WithMetadataReader(reader MetadataReader) Option {
	return func(c *Chainloader) { c.reader = reader }
}

// WithModuleLoader replaces the default module loader.
func WithModuleLoader(loader ModuleLoader) Option {
	return func(c *Chainloader) { c.loader = loader }
}

// WithTypeRegistry sets the in-process constructors used for non-wasm modules.
func WithTypeRegistry(types *TypeRegistry) Option {
	return func(c *Chainloader) { c.types = types }
}

// WithMetrics sets the metrics collector. It overrides Metrics.Enabled.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Chainloader) { c.metrics = metrics }
}

// WithTracer sets the tracer used for chainload spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Chainloader) { c.tracer = tracer }
}

// WithAuditTrail sets the audit trail. It overrides the Audit section.
func WithAuditTrail(audit *AuditTrail) Option {
	return func(c *Chainloader) { c.audit = audit; c.auditSet = true }
}

// WithConsoleWriter redirects the console listener (os.Stdout by default).
func WithConsoleWriter(writer io.Writer) Option {
	return func(c *Chainloader) { c.consoleWriter = writer }
}

// WithLogListener adds a listener attached during Initialize.
func WithLogListener(listener LogListener) Option {
	return func(c *Chainloader) { c.listeners = append(c.listeners, listener) }
}

// WithLibraryResolver sets where the safe-point hook looks for the host
// runtime library. When Hook.Enabled is on, Initialize installs the hook
// through it.
func WithLibraryResolver(resolver LibraryResolver) Option {
	return func(c *Chainloader) { c.hookResolver = resolver }
}

// WithObserver adds a load observer.
func WithObserver(observer LoadObserver) Option {
	return func(c *Chainloader) { c.observers = append(c.observers, observer) }
}

// Chainloader discovers, resolves and loads plugins exactly once.
//
// The lifecycle is Uninitialized → Initialized → Discovering → Resolving →
// Loading → Executed. Initialize attaches the log pipeline; Execute runs the
// whole chainload on the calling goroutine, loading plugins strictly one
// after the other in plan order. A failing plugin is logged at fatal
// severity and never stops the chainload.
//
// Example usage:
//
//	cl, err := chainloader.New(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := cl.Initialize(ctx); err != nil {
//	    return err
//	}
//	if err := cl.Execute(ctx); err != nil {
//	    return err
//	}
//	for _, p := range cl.Plugins() {
//	    fmt.Println(p.Descriptor, p.Status())
//	}
type Chainloader struct {
	config        Config
	state         atomic.Int32
	logs          *LogManager
	log           *LogSource
	bootstrap     *BootstrapLogBuffer
	console       *ConsoleListener
	consoleWriter io.Writer
	listeners     []LogListener

	reader   MetadataReader
	loader   ModuleLoader
	types    *TypeRegistry
	modules  *moduleCache
	registry *PluginRegistry

	metrics  *Metrics
	tracer   trace.Tracer
	audit    *AuditTrail
	auditSet bool
	health   *HealthReporter

	hookResolver LibraryResolver
	hookMu       sync.Mutex
	hook         *SafePointHook
	hookErr      error

	wasmOnce   sync.Once
	wasmLoader *WasmModuleLoader
	wasmErr    error

	mu        sync.RWMutex
	observers []LoadObserver
	discovery *DiscoveryReport
	plan      *LoadPlan
	results   []LoadResult
}

// New creates a chainloader. The configuration is defaulted and validated.
func New(config Config, opts ...Option) (*Chainloader, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Chainloader{
		config:   config,
		registry: NewPluginRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logs == nil {
		c.logs = NewLogManager()
	}
	c.log = c.logs.Source(ChainloaderLogSourceName)
	if c.bootstrap != nil && !c.bootstrap.Replayed() && !c.hasListener(c.bootstrap) {
		c.logs.AddListener(c.bootstrap)
	}
	if c.reader == nil {
		c.reader = DefaultMetadataReader()
	}
	if c.types == nil {
		c.types = NewTypeRegistry()
	}
	if c.loader == nil {
		loader := NewExtensionModuleLoader(c.types)
		loader.Register(".wasm", ModuleLoaderFunc(c.openWasmModule))
		c.loader = loader
	}
	c.modules = newModuleCache(c.loader)
	if c.metrics == nil && config.Metrics.Enabled {
		c.metrics = NewMetrics(config.Metrics.Namespace)
	}
	c.tracer = tracerOrNoop(c.tracer)
	if !c.auditSet {
		audit, err := NewAuditTrail(config.Audit)
		if err != nil {
			return nil, err
		}
		c.audit = audit
	}
	c.health = NewHealthReporter()
	c.setState(StateUninitialized)
	return c, nil
}

func (c *Chainloader) hasListener(listener LogListener) bool {
	for _, l := range c.logs.Listeners() {
		if l == listener {
			return true
		}
	}
	return false
}

// existingConsole returns a console listener already attached to the log
// manager, if any.
func (c *Chainloader) existingConsole() *ConsoleListener {
	for _, l := range c.logs.Listeners() {
		if console, ok := l.(*ConsoleListener); ok {
			return console
		}
	}
	return nil
}

// openWasmModule creates the shared wasm runtime on first use.
func (c *Chainloader) openWasmModule(ctx context.Context, path string) (Module, error) {
	c.wasmOnce.Do(func() {
		c.wasmLoader, c.wasmErr = NewWasmModuleLoader(ctx)
	})
	if c.wasmErr != nil {
		return nil, NewModuleLoadError(path, c.wasmErr)
	}
	return c.wasmLoader.OpenModule(ctx, path)
}

// Initialize attaches the log pipeline, replays bootstrap logs and, when
// Hook.Enabled is on and a library resolver was given, installs the
// safe-point hook. It may be called once; a second call fails with
// AlreadyInitialized and changes nothing.
func (c *Chainloader) Initialize(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized)) {
		return NewAlreadyInitializedError()
	}
	_, span := c.tracer.Start(ctx, "chainloader.initialize")
	defer span.End()

	if c.config.Logging.ConsoleEnabled {
		levels, err := ParseLogLevel(c.config.Logging.ConsoleLevel)
		if err != nil {
			levels = AtOrAbove(LevelInfo)
		}
		if console := c.existingConsole(); console != nil {
			console.SetLevels(levels)
			c.console = console
		} else {
			c.console = NewConsoleListener(c.consoleWriter, levels)
			c.logs.AddListener(c.console)
		}
	}
	for _, listener := range c.listeners {
		c.logs.AddListener(listener)
	}

	if c.bootstrap != nil {
		if c.config.Logging.ReplayBootstrap {
			replayed := ReplayBootstrapLogs(c.logs, c.bootstrap)
			c.log.Debug("Replayed bootstrap log events", "count", replayed)
		} else {
			c.logs.RemoveListener(c.bootstrap)
		}
	}

	c.health.update(StateInitialized)
	if c.config.Hook.Enabled && c.hookResolver != nil {
		// A failed install is fatal to the hook path only; Execute can still
		// be called directly. The error is available from Hook.
		_, _ = c.InstallSafePointHook(ctx, c.hookResolver)
	}
	c.log.Message("Chainloader initialized")
	return nil
}

// Execute runs discovery, resolution and loading. It fails with
// NotInitialized before Initialize and with AlreadyExecuted afterwards;
// individual plugin failures are reported through Results, not as an error.
// An error is returned only when discovery cannot run at all or ctx is
// cancelled; the chainloader is Executed either way.
func (c *Chainloader) Execute(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateInitialized), int32(StateDiscovering)) {
		state := c.State()
		if state == StateUninitialized {
			return NewNotInitializedError("Execute")
		}
		return NewAlreadyExecutedError(state)
	}
	c.health.update(StateDiscovering)

	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "chainloader.execute")
	err := c.execute(ctx)
	span.SetAttributes(attribute.Int("chainload.plugins", c.registry.Len()))
	endSpan(span, err)

	c.metrics.observeChainload(time.Since(started))
	c.setState(StateExecuted)
	if err != nil {
		c.log.Fatal("Chainload aborted", "error", err)
		return err
	}
	c.log.Message("Chainloader startup complete",
		"loaded", c.countStatus(StatusLoaded),
		"failed", len(c.Results())-c.countStatus(StatusLoaded),
		"duration", time.Since(started))
	return nil
}

func (c *Chainloader) execute(ctx context.Context) error {
	discoverer := NewDiscoverer(c.config.Discovery, c.reader, c.log).
		WithInstrumentation(c.metrics, c.tracer)
	report, err := discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.discovery = report
	c.mu.Unlock()

	c.setState(StateResolving)
	plan := NewResolver(c.log).
		WithInstrumentation(c.metrics, c.tracer).
		Resolve(ctx, report.Store.All())
	c.mu.Lock()
	c.plan = plan
	c.mu.Unlock()
	for _, entry := range plan.Skipped() {
		c.audit.Record(AuditPluginSkipped, entry.Reason, map[string]interface{}{
			"plugin_guid": entry.Descriptor.GUID,
			"outcome":     entry.Outcome.String(),
			"blocker":     entry.Blocker,
		})
	}

	c.setState(StateLoading)
	c.log.Message(fmt.Sprintf("%d plugins to load", plan.Len()))
	for _, descriptor := range plan.Order() {
		if err := ctx.Err(); err != nil {
			return err
		}
		result := c.loadPlugin(ctx, descriptor)
		c.metrics.pluginResult(result.Status)
		c.mu.Lock()
		c.results = append(c.results, result)
		c.mu.Unlock()
	}
	return nil
}

// loadPlugin constructs, binds and loads one plugin.
func (c *Chainloader) loadPlugin(ctx context.Context, d *PluginDescriptor) LoadResult {
	ctx, span := c.tracer.Start(ctx, "chainloader.load_plugin", trace.WithAttributes(pluginAttributes(d)...))
	c.log.Info(fmt.Sprintf("Loading [%s]", d))

	instance, err := c.construct(ctx, d)
	if err != nil {
		c.log.Fatal(fmt.Sprintf("Error loading [%s]", d), "error", err, "module", d.Module.String())
		c.audit.Record(AuditPluginFailed, err.Error(), map[string]interface{}{
			"plugin_guid": d.GUID,
			"module":      d.Module.String(),
			"stage":       "construction",
		})
		endSpan(span, err)
		return LoadResult{Descriptor: d, Status: StatusConstructionFailed, Err: err}
	}

	c.notify(LoadEvent{Type: EventPluginInstantiated, Descriptor: d, Module: instance.Module, Instance: instance})

	loadErr := callSafely(instance.Instance.Load)
	c.registry.register(instance)
	if loadErr != nil {
		loadErr = NewPluginLoadError(d.GUID, loadErr)
		instance.setStatus(StatusLoadFailed, loadErr)
		c.log.Fatal(fmt.Sprintf("Error loading [%s]", d), "error", loadErr, "module", d.Module.String())
		c.audit.Record(AuditPluginFailed, loadErr.Error(), map[string]interface{}{
			"plugin_guid": d.GUID,
			"module":      d.Module.String(),
			"stage":       "load",
		})
	} else {
		instance.setStatus(StatusLoaded, nil)
		c.audit.Record(AuditPluginLoaded, "plugin loaded", map[string]interface{}{
			"plugin_guid": d.GUID,
			"version":     d.Version.String(),
			"module":      d.Module.String(),
		})
	}

	c.notify(LoadEvent{Type: EventPluginLoaded, Descriptor: d, Module: instance.Module, Instance: instance, Err: loadErr})
	endSpan(span, loadErr)
	return LoadResult{Descriptor: d, Status: instance.Status(), Err: loadErr}
}

// construct resolves the type, builds the instance and binds its context.
// Nothing is registered when it fails.
func (c *Chainloader) construct(ctx context.Context, d *PluginDescriptor) (*PluginInstance, error) {
	module, err := c.modules.open(ctx, d.Module.Path)
	if err != nil {
		return nil, err
	}
	constructor, err := module.Lookup(d.Module.TypeName)
	if err != nil {
		if !HasErrorCode(err, ErrCodePluginTypeNotFound) {
			err = NewPluginTypeNotFoundError(d.Module, err)
		}
		return nil, err
	}

	var plugin Plugin
	err = callSafely(func() error {
		var ctorErr error
		plugin, ctorErr = constructor()
		return ctorErr
	})
	if err == nil && plugin == nil {
		err = fmt.Errorf("constructor returned no plugin")
	}
	if err != nil {
		return nil, NewPluginConstructionError(d.GUID, err)
	}

	configFile, err := NewConfigFile(c.config.ConfigDirectory, d.GUID)
	if err != nil {
		c.log.Error("Plugin configuration unreadable, using defaults", "guid", d.GUID, "error", err)
		configFile = newVolatileConfigFile(c.config.ConfigDirectory, d.GUID)
	}

	instance := &PluginInstance{
		Descriptor: d,
		Module:     module,
		Instance:   plugin,
		Log:        c.logs.PluginSource(d.GUID, d.Name),
		Config:     configFile,
	}
	if binder, ok := plugin.(ContextBinder); ok {
		pluginCtx := PluginContext{Descriptor: d, Log: instance.Log, Config: configFile}
		if err := callSafely(func() error { binder.BindContext(pluginCtx); return nil }); err != nil {
			return nil, NewPluginConstructionError(d.GUID, err)
		}
	}
	return instance, nil
}

// notify delivers an event to every observer in registration order.
func (c *Chainloader) notify(event LoadEvent) {
	c.mu.RLock()
	observers := make([]LoadObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	for _, observer := range observers {
		if err := callSafely(func() error { observer.OnPluginEvent(event); return nil }); err != nil {
			c.log.Error("Load observer failed", "event", event.Type.String(), "guid", event.Descriptor.GUID, "error", err)
		}
	}
}

// Unload asks the plugin registered under guid to unload. Unload is called
// at most once per instance; concurrent and later calls wait for and return
// the first result without calling the plugin again. A successful unload
// deregisters the plugin.
func (c *Chainloader) Unload(guid string) (UnloadResult, error) {
	instance, ok := c.registry.Get(guid)
	if !ok {
		return UnloadNotSupported, NewPluginNotFoundError(guid)
	}
	instance.unloadOnce.Do(func() {
		instance.unloadRes = c.unload(instance)
	})
	return instance.unloadRes, nil
}

func (c *Chainloader) unload(instance *PluginInstance) UnloadResult {
	d := instance.Descriptor
	unloader, ok := instance.Instance.(Unloader)
	if !ok {
		c.log.Debug("Plugin does not support unloading", "guid", d.GUID)
		return UnloadNotSupported
	}

	var released bool
	if err := callSafely(func() error { released = unloader.Unload(); return nil }); err != nil {
		c.log.Error(fmt.Sprintf("Error unloading [%s]", d), "error", NewPluginUnloadError(d.GUID, err))
		return UnloadFailed
	}
	if !released {
		c.log.Warn(fmt.Sprintf("Plugin [%s] declined to unload", d))
		return UnloadFailed
	}

	c.registry.remove(d.GUID)
	instance.setStatus(StatusUnloaded, nil)
	c.metrics.pluginResult(StatusUnloaded)
	c.audit.Record(AuditPluginUnloaded, "plugin unloaded", map[string]interface{}{
		"plugin_guid": d.GUID,
	})
	c.log.Info(fmt.Sprintf("Unloaded [%s]", d))
	return UnloadSucceeded
}

// Close releases module resources and the audit trail. Plugins are not
// unloaded.
func (c *Chainloader) Close(ctx context.Context) error {
	err := c.modules.closeAll(ctx)
	if c.wasmLoader != nil {
		if closeErr := c.wasmLoader.Close(ctx); closeErr != nil && err == nil {
			err = NewModuleLoadError(WasmHostModuleName, closeErr)
		}
	}
	if !c.auditSet {
		if closeErr := c.audit.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (c *Chainloader) setState(state State) {
	c.state.Store(int32(state))
	c.health.update(state)
}

// State returns the current lifecycle state.
func (c *Chainloader) State() State {
	return State(c.state.Load())
}

// AddObserver registers a load observer.
func (c *Chainloader) AddObserver(observer LoadObserver) {
	c.mu.Lock()
	c.observers = append(c.observers, observer)
	c.mu.Unlock()
}

// Config returns the effective configuration.
func (c *Chainloader) Config() Config { return c.config }

// LogManager returns the log manager plugins and listeners share.
func (c *Chainloader) LogManager() *LogManager { return c.logs }

// Logger returns the chainloader's own log source.
func (c *Chainloader) Logger() *LogSource { return c.log }

// Console returns the console listener, or nil before Initialize or when
// the console is disabled.
func (c *Chainloader) Console() *ConsoleListener { return c.console }

// Metrics returns the metrics collector, or nil when disabled.
func (c *Chainloader) Metrics() *Metrics { return c.metrics }

// Health returns the health reporter.
func (c *Chainloader) Health() *HealthReporter { return c.health }

// Discovery returns the discovery report, or nil before discovery ran.
func (c *Chainloader) Discovery() *DiscoveryReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discovery
}

// Plan returns the load plan, or nil before resolution ran.
func (c *Chainloader) Plan() *LoadPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan
}

// Results returns the per-plugin results in load order.
func (c *Chainloader) Results() []LoadResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]LoadResult(nil), c.results...)
}

// Registry returns the live instance registry.
func (c *Chainloader) Registry() *PluginRegistry { return c.registry }

// Plugins returns the registered instances in load order.
func (c *Chainloader) Plugins() []*PluginInstance { return c.registry.All() }

// Plugin returns the instance registered under guid.
func (c *Chainloader) Plugin(guid string) (*PluginInstance, bool) { return c.registry.Get(guid) }

func (c *Chainloader) countStatus(status PluginStatus) int {
	n := 0
	for _, result := range c.Results() {
		if result.Status == status {
			n++
		}
	}
	return n
}
