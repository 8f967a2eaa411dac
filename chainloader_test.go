// chainloader_test.go: chainload state machine and plugin lifecycle tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerUnloadable(types *TypeRegistry, typeName string, journal *Journal, unload func() bool) {
	types.Register(typeName, func() (Plugin, error) {
		journal.Add("construct:" + typeName)
		return &UnloadableMockPlugin{MockPlugin: MockPlugin{name: typeName, journal: journal, unloadFunc: unload}}, nil
	})
}

func executed(t *testing.T, cl *Chainloader) *Chainloader {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cl.Initialize(ctx))
	require.NoError(t, cl.Execute(ctx))
	t.Cleanup(func() { _ = cl.Close(ctx) })
	return cl
}

func TestChainloader_Lifecycle(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("a", pluginType("example.A", "com.example.a", "1.0.0"))
	types := NewTypeRegistry()
	registerMock(types, "example.A", &Journal{}, nil)

	cl := env.NewChainloader(types)
	ctx := context.Background()
	assert.Equal(t, StateUninitialized, cl.State())

	err := cl.Execute(ctx)
	assert.True(t, HasErrorCode(err, ErrCodeNotInitialized))
	assert.Equal(t, StateUninitialized, cl.State())

	require.NoError(t, cl.Initialize(ctx))
	assert.Equal(t, StateInitialized, cl.State())

	err = cl.Initialize(ctx)
	assert.True(t, HasErrorCode(err, ErrCodeAlreadyInitialized))
	assert.Equal(t, StateInitialized, cl.State(), "a second Initialize changes nothing")

	require.NoError(t, cl.Execute(ctx))
	assert.Equal(t, StateExecuted, cl.State())
	assert.Equal(t, StateExecuted, cl.Health().State())
	assert.NoError(t, cl.Health().ready())

	err = cl.Execute(ctx)
	assert.True(t, HasErrorCode(err, ErrCodeAlreadyExecuted))
	assert.Len(t, cl.Results(), 1, "plugins load exactly once")

	assert.NotNil(t, cl.Discovery())
	assert.NotNil(t, cl.Plan())
	assert.NoError(t, cl.Close(ctx))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.ConsoleLevel = "everything"
	_, err := New(cfg)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
}

func TestChainloader_LoadsInPlanOrder(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("one",
		pluginType("example.A", "com.example.a", "1.0.0", hardAttr("com.example.c", "1.0.0")),
		pluginType("example.B", "com.example.b", "1.0.0"))
	env.CreateManifest("two", pluginType("example.C", "com.example.c", "1.2.0", softAttr("com.example.b")))

	journal := &Journal{}
	types := NewTypeRegistry()
	for _, name := range []string{"example.A", "example.B", "example.C"} {
		registerMock(types, name, journal, nil)
	}

	cl := executed(t, env.NewChainloader(types))

	assert.Equal(t, []string{
		"construct:example.B", "load:example.B",
		"construct:example.C", "load:example.C",
		"construct:example.A", "load:example.A",
	}, journal.Entries())
	assert.Equal(t, []string{"com.example.b", "com.example.c", "com.example.a"}, cl.Registry().GUIDs())
	for _, p := range cl.Plugins() {
		assert.Equal(t, StatusLoaded, p.Status(), p.Descriptor.GUID)
	}
	assert.Equal(t, 3.0, counterValue(t, cl.Metrics().pluginResults.WithLabelValues(StatusLoaded.String())))
}

func TestChainloader_SkippedPluginsNeverConstruct(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m",
		pluginType("example.Orphan", "com.example.orphan", "1.0.0", hardAttr("com.example.ghost", "")),
		pluginType("example.Old", "com.example.old", "1.0.0"),
		pluginType("example.NeedsNew", "com.example.needsnew", "1.0.0", hardAttr("com.example.old", "2.0.0")))

	journal := &Journal{}
	types := NewTypeRegistry()
	for _, name := range []string{"example.Orphan", "example.Old", "example.NeedsNew"} {
		registerMock(types, name, journal, nil)
	}

	cl := executed(t, env.NewChainloader(types))
	assert.Equal(t, []string{"construct:example.Old", "load:example.Old"}, journal.Entries())
	assert.Len(t, cl.Plan().Skipped(), 2)
}

func TestChainloader_FailuresDoNotStopTheChainload(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m",
		pluginType("example.CtorErr", "com.example.a", "1.0.0"),
		pluginType("example.CtorPanic", "com.example.b", "1.0.0"),
		pluginType("example.Missing", "com.example.c", "1.0.0"),
		pluginType("example.LoadErr", "com.example.d", "1.0.0"),
		pluginType("example.LoadPanic", "com.example.e", "1.0.0"),
		pluginType("example.Fine", "com.example.f", "1.0.0"))

	journal := &Journal{}
	types := NewTypeRegistry()
	types.Register("example.CtorErr", func() (Plugin, error) { return nil, errors.New("no resources") })
	types.Register("example.CtorPanic", func() (Plugin, error) { panic("constructor exploded") })
	registerMock(types, "example.LoadErr", journal, func(p *MockPlugin) {
		p.loadFunc = func() error { return errors.New("refused") }
	})
	registerMock(types, "example.LoadPanic", journal, func(p *MockPlugin) {
		p.loadFunc = func() error { panic("load exploded") }
	})
	registerMock(types, "example.Fine", journal, nil)

	capture := &CaptureListener{}
	cl := executed(t, env.NewChainloader(types, WithLogListener(capture)))

	results := cl.Results()
	require.Len(t, results, 6)
	expected := []struct {
		status PluginStatus
		code   goerrors.ErrorCode
	}{
		{StatusConstructionFailed, ErrCodePluginConstruction},
		{StatusConstructionFailed, ErrCodePluginConstruction},
		{StatusConstructionFailed, ErrCodePluginTypeNotFound},
		{StatusLoadFailed, ErrCodePluginLoad},
		{StatusLoadFailed, ErrCodePluginLoad},
		{StatusLoaded, ""},
	}
	for i, want := range expected {
		assert.Equal(t, want.status, results[i].Status, results[i].Descriptor.GUID)
		if want.code == "" {
			assert.NoError(t, results[i].Err)
			continue
		}
		assert.True(t, HasErrorCode(results[i].Err, want.code), "%s: %v", results[i].Descriptor.GUID, results[i].Err)
	}

	t.Run("only constructed plugins are registered", func(t *testing.T) {
		assert.Equal(t, []string{"com.example.d", "com.example.e", "com.example.f"}, cl.Registry().GUIDs())
		failed, ok := cl.Plugin("com.example.d")
		require.True(t, ok)
		assert.Equal(t, StatusLoadFailed, failed.Status())
		assert.False(t, failed.Active())
	})

	t.Run("every failure is logged as fatal", func(t *testing.T) {
		fatal := 0
		for _, e := range capture.Find(ChainloaderLogSourceName, LevelFatal) {
			if strings.HasPrefix(e.Message, "Error loading [") {
				fatal++
			}
		}
		assert.Equal(t, 5, fatal)
	})

	t.Run("later plugins still load", func(t *testing.T) {
		assert.Contains(t, journal.Entries(), "load:example.Fine")
	})
}

func TestChainloader_ModuleLoadFailure(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m", pluginType("example.A", "com.example.a", "1.0.0"))

	cl := env.NewChainloader(NewTypeRegistry(),
		WithModuleLoader(ModuleLoaderFunc(func(context.Context, string) (Module, error) {
			return nil, errors.New("image corrupt")
		})))
	executed(t, cl)

	results := cl.Results()
	require.Len(t, results, 1)
	assert.Equal(t, StatusConstructionFailed, results[0].Status)
	assert.True(t, HasErrorCode(results[0].Err, ErrCodeModuleLoad))
}

func TestChainloader_Observers(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m",
		pluginType("example.A", "com.example.a", "1.0.0"),
		pluginType("example.B", "com.example.b", "1.0.0"))

	journal := &Journal{}
	types := NewTypeRegistry()
	registerMock(types, "example.A", journal, nil)
	registerMock(types, "example.B", journal, func(p *MockPlugin) {
		p.loadFunc = func() error { return errors.New("refused") }
	})

	panicking := LoadObserverFunc(func(LoadEvent) { panic("observer exploded") })
	var seen []string
	recording := LoadObserverFunc(func(e LoadEvent) {
		seen = append(seen, fmt.Sprintf("%s:%s:%s:%v", e.Type, e.Descriptor.GUID, e.Instance.Status(), e.Err != nil))
		journal.Add("event:" + e.Type.String())
	})

	capture := &CaptureListener{}
	cl := env.NewChainloader(types, WithObserver(panicking), WithLogListener(capture))
	cl.AddObserver(recording)
	executed(t, cl)

	assert.Equal(t, []string{
		"plugin_instantiated:com.example.a:pending:false",
		"plugin_loaded:com.example.a:loaded:false",
		"plugin_instantiated:com.example.b:pending:false",
		"plugin_loaded:com.example.b:load_failed:true",
	}, seen)
	assert.Equal(t, []string{
		"construct:example.A", "event:plugin_instantiated", "load:example.A", "event:plugin_loaded",
		"construct:example.B", "event:plugin_instantiated", "load:example.B", "event:plugin_loaded",
	}, journal.Entries())
	assert.Len(t, capture.Find(ChainloaderLogSourceName, LevelError), 4, "each panicking notification is logged")
}

type contextProbe struct {
	BasePlugin
	cl       *Chainloader
	observed map[string]any
}

func (p *contextProbe) Load() error {
	greeting, err := Bind(p.Config(), "General", "Greeting", "hello", "Text printed on load")
	if err != nil {
		return err
	}
	p.Log().Message(greeting.Value())

	earlier, ok := p.cl.Plugin("com.example.a")
	p.observed = map[string]any{
		"source":        p.Log().Name(),
		"config":        p.Config().Path(),
		"guid":          p.Info().GUID,
		"earlierActive": ok && earlier.Active(),
		"selfVisible":   false,
	}
	_, p.observed["selfVisible"] = p.cl.Plugin("com.example.probe")
	return nil
}

func TestChainloader_PluginContext(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m",
		pluginType("example.A", "com.example.a", "1.0.0"),
		pluginType("Probe", "com.example.probe", "1.0.0", hardAttr("com.example.a", "")))

	types := NewTypeRegistry()
	registerMock(types, "example.A", &Journal{}, nil)
	probe := &contextProbe{}
	types.Register("Probe", func() (Plugin, error) { return probe, nil })

	capture := &CaptureListener{}
	cl := env.NewChainloader(types, WithLogListener(capture))
	probe.cl = cl
	executed(t, cl)

	assert.Equal(t, "Probe", probe.observed["source"])
	assert.Equal(t, filepath.Join(env.ConfigDir, "com.example.probe.yaml"), probe.observed["config"])
	assert.Equal(t, "com.example.probe", probe.observed["guid"])
	assert.Equal(t, true, probe.observed["earlierActive"])
	assert.Equal(t, false, probe.observed["selfVisible"], "a plugin is registered after its Load returns")

	messages := capture.Find("Probe", LevelMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Message)

	data, err := os.ReadFile(filepath.Join(env.ConfigDir, "com.example.probe.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Greeting: hello")
}

func TestChainloader_PluginLogSourcesAreDedicated(t *testing.T) {
	env := NewTestEnvironment(t)
	named := func(typeName, guid, name string) TypeMetadata {
		tm := pluginType(typeName, guid, "1.0.0")
		tm.Plugin.Name = name
		return tm
	}
	env.CreateManifest("m",
		named("example.A", "com.example.a", "Twin"),
		named("example.B", "com.example.b", "Twin"),
		named("example.C", "com.example.c", ChainloaderLogSourceName))
	journal := &Journal{}
	types := NewTypeRegistry()
	for _, typeName := range []string{"example.A", "example.B", "example.C"} {
		registerMock(types, typeName, journal, nil)
	}

	cl := executed(t, env.NewChainloader(types))
	a, _ := cl.Plugin("com.example.a")
	b, _ := cl.Plugin("com.example.b")
	c, _ := cl.Plugin("com.example.c")
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	assert.NotSame(t, a.Log, b.Log)
	assert.Equal(t, "Twin", a.Log.Name())
	assert.NotSame(t, cl.Logger(), c.Log)
	assert.Equal(t, ChainloaderLogSourceName, c.Log.Name())
}

func TestChainloader_UnreadablePluginConfig(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m", pluginType("Probe", "com.example.probe", "1.0.0"))
	path := filepath.Join(env.ConfigDir, "com.example.probe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[broken"), 0o600))

	types := NewTypeRegistry()
	probe := &contextProbe{}
	types.Register("Probe", func() (Plugin, error) { return probe, nil })

	capture := &CaptureListener{}
	cl := env.NewChainloader(types, WithLogListener(capture))
	probe.cl = cl
	executed(t, cl)

	instance, ok := cl.Plugin("com.example.probe")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, instance.Status())
	assert.NotEmpty(t, capture.Find(ChainloaderLogSourceName, LevelError))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[broken", string(data), "unreadable configuration is never overwritten")
}

func TestChainloader_Unload(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m",
		pluginType("example.Releases", "com.example.a", "1.0.0"),
		pluginType("example.Declines", "com.example.b", "1.0.0"),
		pluginType("example.Panics", "com.example.c", "1.0.0"),
		pluginType("example.Plain", "com.example.d", "1.0.0"))

	journal := &Journal{}
	types := NewTypeRegistry()
	registerUnloadable(types, "example.Releases", journal, nil)
	registerUnloadable(types, "example.Declines", journal, func() bool { return false })
	registerUnloadable(types, "example.Panics", journal, func() bool { panic("unload exploded") })
	registerMock(types, "example.Plain", journal, nil)

	cl := executed(t, env.NewChainloader(types))
	unloads := func(name string) int {
		n := 0
		for _, e := range journal.Entries() {
			if e == "unload:"+name {
				n++
			}
		}
		return n
	}

	t.Run("success deregisters", func(t *testing.T) {
		instance, _ := cl.Plugin("com.example.a")
		result, err := cl.Unload("com.example.a")
		require.NoError(t, err)
		assert.Equal(t, UnloadSucceeded, result)
		assert.Equal(t, StatusUnloaded, instance.Status())
		_, registered := cl.Plugin("com.example.a")
		assert.False(t, registered)

		result, err = cl.Unload("com.example.a")
		assert.Equal(t, UnloadNotSupported, result)
		assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))
		assert.Equal(t, 1, unloads("example.Releases"))
	})

	t.Run("declined stays registered and is asked once", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			result, err := cl.Unload("com.example.b")
			require.NoError(t, err)
			assert.Equal(t, UnloadFailed, result)
		}
		instance, registered := cl.Plugin("com.example.b")
		require.True(t, registered)
		assert.True(t, instance.Active())
		assert.Equal(t, 1, unloads("example.Declines"))
	})

	t.Run("panic is a failure", func(t *testing.T) {
		result, err := cl.Unload("com.example.c")
		require.NoError(t, err)
		assert.Equal(t, UnloadFailed, result)
		_, registered := cl.Plugin("com.example.c")
		assert.True(t, registered)
	})

	t.Run("not supported", func(t *testing.T) {
		result, err := cl.Unload("com.example.d")
		require.NoError(t, err)
		assert.Equal(t, UnloadNotSupported, result)
	})

	t.Run("unknown plugin", func(t *testing.T) {
		result, err := cl.Unload("com.example.nobody")
		assert.Equal(t, UnloadNotSupported, result)
		assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))
	})
}

func TestChainloader_ConcurrentUnloadWaitsForResult(t *testing.T) {
	env := NewTestEnvironment(t)
	env.CreateManifest("m", pluginType("example.Slow", "com.example.slow", "1.0.0"))

	started := make(chan struct{})
	release := make(chan struct{})
	journal := &Journal{}
	types := NewTypeRegistry()
	registerUnloadable(types, "example.Slow", journal, func() bool {
		close(started)
		<-release
		return false
	})
	cl := executed(t, env.NewChainloader(types))

	const callers = 5
	results := make(chan UnloadResult, callers)
	unload := func() {
		result, err := cl.Unload("com.example.slow")
		assert.NoError(t, err)
		results <- result
	}
	go unload()
	<-started
	for i := 1; i < callers; i++ {
		go unload()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		assert.Equal(t, UnloadFailed, <-results)
	}
	unloads := 0
	for _, e := range journal.Entries() {
		if e == "unload:example.Slow" {
			unloads++
		}
	}
	assert.Equal(t, 1, unloads)
}

func TestChainloader_BootstrapReplay(t *testing.T) {
	env := NewTestEnvironment(t)
	manager := NewLogManager()
	buffer := NewBootstrapLogBuffer()
	manager.AddListener(buffer)
	manager.Source(PreloaderLogSourceName).Info("Preloader started")

	capture := &CaptureListener{}
	cl := env.NewChainloader(NewTypeRegistry(),
		WithLogManager(manager),
		WithBootstrapBuffer(buffer),
		WithLogListener(capture))
	require.NoError(t, cl.Initialize(context.Background()))

	events := capture.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "Preloader started", events[0].Message)
	assert.True(t, buffer.Replayed())
	assert.Len(t, capture.Find(ChainloaderLogSourceName, LevelMessage), 1)
	assert.Same(t, manager, cl.LogManager())
}

func TestChainloader_ReusesSharedConsole(t *testing.T) {
	env := NewTestEnvironment(t)
	cfg := env.Config()
	cfg.Logging.ConsoleEnabled = true
	cfg.Logging.ConsoleLevel = "info"

	var shared bytes.Buffer
	manager := NewLogManager()
	console := NewConsoleListener(&shared, LevelAll)
	manager.AddListener(console)

	cl := env.NewChainloaderWithConfig(cfg, NewTypeRegistry(), WithLogManager(manager))
	require.NoError(t, cl.Initialize(context.Background()))
	cl.Logger().Message("after init")
	cl.Logger().Debug("below the configured level")

	assert.Same(t, console, cl.Console())
	consoles := 0
	for _, l := range manager.Listeners() {
		if _, ok := l.(*ConsoleListener); ok {
			consoles++
		}
	}
	assert.Equal(t, 1, consoles)

	info, err := ParseLogLevel("info")
	require.NoError(t, err)
	assert.Equal(t, info, console.Levels())
	assert.Equal(t, 1, strings.Count(shared.String(), "Chainloader initialized"))
	assert.Equal(t, 1, strings.Count(shared.String(), "after init"))
	assert.NotContains(t, shared.String(), "below the configured level")
}

func TestChainloader_BootstrapBufferDroppedWithoutReplay(t *testing.T) {
	env := NewTestEnvironment(t)
	cfg := env.Config()
	cfg.Logging.ReplayBootstrap = false

	manager := NewLogManager()
	buffer := NewBootstrapLogBuffer()
	cl, err := New(cfg, WithLogManager(manager), WithBootstrapBuffer(buffer), WithTypeRegistry(NewTypeRegistry()))
	require.NoError(t, err)
	assert.Contains(t, manager.Listeners(), LogListener(buffer))

	require.NoError(t, cl.Initialize(context.Background()))
	assert.NotContains(t, manager.Listeners(), LogListener(buffer))
	assert.False(t, buffer.Replayed())
}

func TestChainloader_ExecuteErrors(t *testing.T) {
	t.Run("no readable directory", func(t *testing.T) {
		env := NewTestEnvironment(t)
		cfg := env.Config()
		cfg.Discovery.Directories = []string{filepath.Join(env.PluginDir, "missing")}
		cl, err := New(cfg, WithTypeRegistry(NewTypeRegistry()))
		require.NoError(t, err)
		ctx := context.Background()
		require.NoError(t, cl.Initialize(ctx))

		err = cl.Execute(ctx)
		assert.True(t, HasErrorCode(err, ErrCodeDirectoryScan))
		assert.Equal(t, StateExecuted, cl.State())
		assert.True(t, HasErrorCode(cl.Execute(ctx), ErrCodeAlreadyExecuted))
	})

	t.Run("cancelled context", func(t *testing.T) {
		env := NewTestEnvironment(t)
		env.CreateManifest("m", pluginType("example.A", "com.example.a", "1.0.0"))
		journal := &Journal{}
		types := NewTypeRegistry()
		registerMock(types, "example.A", journal, nil)

		cl := env.NewChainloader(types)
		require.NoError(t, cl.Initialize(context.Background()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, cl.Execute(ctx), context.Canceled)
		assert.Equal(t, StateExecuted, cl.State())
		assert.Empty(t, journal.Entries())
	})
}

func TestChainloader_EmptyDirectory(t *testing.T) {
	env := NewTestEnvironment(t)
	capture := &CaptureListener{}
	cl := executed(t, env.NewChainloader(NewTypeRegistry(), WithLogListener(capture)))

	assert.Empty(t, cl.Plugins())
	found := false
	for _, e := range capture.Find(ChainloaderLogSourceName, LevelMessage) {
		if e.Message == "0 plugins to load" {
			found = true
		}
	}
	assert.True(t, found)
}
