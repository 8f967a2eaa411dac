// wasm_loader.go: WebAssembly plugin modules executed with wazero
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Wasm plugin ABI.
//
// A module declares its plugin types in the MetadataSectionName custom
// section. For every declared type T it exports "T.load", taking no
// arguments and returning nothing or an i32 status (0 is success), and may
// export "T.unload" returning an i32 (non-zero means released). Modules may
// import "chainloader.log(level, ptr, len)" to write to their log source.
const (
	WasmHostModuleName = "chainloader"
	wasmLoadSuffix     = ".load"
	wasmUnloadSuffix   = ".unload"
)

// WasmModuleLoader opens wasm plugin modules on one shared wazero runtime.
// Each constructed plugin gets its own module instance, so construction runs
// the module's start function and nothing else.
type WasmModuleLoader struct {
	runtime wazero.Runtime
	maxSize int64

	// sources maps instance names to the log source of the plugin bound
	// to that instance.
	sources cmap.ConcurrentMap[string, *LogSource]
	seq     atomic.Uint64
}

// NewWasmModuleLoader creates the runtime with WASI and the chainloader host
// module instantiated.
func NewWasmModuleLoader(ctx context.Context) (*WasmModuleLoader, error) {
	l := &WasmModuleLoader{
		runtime: wazero.NewRuntime(ctx),
		maxSize: DefaultMaxModuleSize,
		sources: cmap.New[*LogSource](),
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, l.runtime)

	_, err := l.runtime.NewHostModuleBuilder(WasmHostModuleName).
		NewFunctionBuilder().
		WithFunc(l.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		_ = l.runtime.Close(ctx)
		return nil, NewModuleLoadError(WasmHostModuleName, err)
	}
	return l, nil
}

// Close releases the runtime and every module instance on it.
func (l *WasmModuleLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// OpenModule implements ModuleLoader.
func (l *WasmModuleLoader) OpenModule(ctx context.Context, path string) (Module, error) {
	data, err := readModuleFile(path, l.maxSize)
	if err != nil {
		return nil, NewModuleLoadError(path, err)
	}
	compiled, err := l.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, NewModuleLoadError(path, err)
	}
	return &wasmModule{path: path, loader: l, compiled: compiled}, nil
}

// hostLog implements chainloader.log for guest modules.
func (l *WasmModuleLoader) hostLog(_ context.Context, m api.Module, level, ptr, length uint32) {
	source, ok := l.sources.Get(m.Name())
	if !ok || m.Memory() == nil {
		return
	}
	message, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}
	lvl := LogLevel(level) & LevelAll
	if lvl == LevelNone {
		lvl = LevelInfo
	}
	source.Log(lvl, string(message))
}

type wasmModule struct {
	path     string
	loader   *WasmModuleLoader
	compiled wazero.CompiledModule
}

func (m *wasmModule) Path() string { return m.path }

// Lookup resolves typeName by its load export.
func (m *wasmModule) Lookup(typeName string) (Constructor, error) {
	exports := m.compiled.ExportedFunctions()
	if _, ok := exports[typeName+wasmLoadSuffix]; !ok {
		return nil, NewPluginTypeNotFoundError(ModuleRef{Path: m.path, TypeName: typeName},
			fmt.Errorf("module does not export %s%s", typeName, wasmLoadSuffix))
	}
	_, unloadable := exports[typeName+wasmUnloadSuffix]

	return func() (Plugin, error) {
		ctx := context.Background()
		name := fmt.Sprintf("%s#%s#%d", m.path, typeName, m.loader.seq.Add(1))
		instance, err := m.loader.runtime.InstantiateModule(ctx, m.compiled,
			wazero.NewModuleConfig().
				WithName(name).
				WithStartFunctions("_initialize"))
		if err != nil {
			return nil, err
		}
		plugin := &wasmPlugin{loader: m.loader, instance: instance, typeName: typeName}
		if unloadable {
			return &unloadableWasmPlugin{wasmPlugin: plugin}, nil
		}
		return plugin, nil
	}, nil
}

func (m *wasmModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// wasmPlugin adapts a module instance to the Plugin contract. Guest calls
// are not cancellable; Load has no context.
type wasmPlugin struct {
	loader   *WasmModuleLoader
	instance api.Module
	typeName string
	mu       sync.Mutex
}

// BindContext routes the instance's host log calls to the plugin's source.
func (p *wasmPlugin) BindContext(ctx PluginContext) {
	if ctx.Log != nil {
		p.loader.sources.Set(p.instance.Name(), ctx.Log)
	}
}

func (p *wasmPlugin) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	results, err := p.call(p.typeName + wasmLoadSuffix)
	if err != nil {
		return err
	}
	if len(results) > 0 && api.DecodeI32(results[0]) != 0 {
		return fmt.Errorf("%s%s returned status %d", p.typeName, wasmLoadSuffix, api.DecodeI32(results[0]))
	}
	return nil
}

func (p *wasmPlugin) call(export string) ([]uint64, error) {
	fn := p.instance.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("export %s not found", export)
	}
	return fn.Call(context.Background())
}

type unloadableWasmPlugin struct {
	*wasmPlugin
}

// Unload calls the unload export and closes the instance when it reports
// success.
func (p *unloadableWasmPlugin) Unload() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	results, err := p.call(p.typeName + wasmUnloadSuffix)
	if err != nil || len(results) == 0 || api.DecodeI32(results[0]) == 0 {
		return false
	}
	p.loader.sources.Remove(p.instance.Name())
	_ = p.instance.Close(context.Background())
	return true
}
