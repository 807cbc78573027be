package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/distforge/distforge/pkg/plugins"
)

// Config tunes the WASM host defaults. Per-handler manifests may
// tighten both knobs.
type Config struct {
	// Timeout bounds one resolve call. Defaults to 30s.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages. Defaults to
	// 256 pages (16MiB).
	MemoryLimitPages uint32
}

func (c *Config) withDefaults() Config {
	cfg := Config{Timeout: 30 * time.Second, MemoryLimitPages: 256}
	if c != nil {
		if c.Timeout > 0 {
			cfg.Timeout = c.Timeout
		}
		if c.MemoryLimitPages > 0 {
			cfg.MemoryLimitPages = c.MemoryLimitPages
		}
	}
	return cfg
}

// Handler is a stage handler backed by a WASM module. It satisfies the
// same contract as the builtins: resolve a request into a recipe,
// nothing else. The module gets no preopened directories and no host
// functions, so resolution stays pure by construction.
type Handler struct {
	manifest *Manifest

	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory

	malloc  api.Function
	free    api.Function
	resolve api.Function

	timeout time.Duration

	// mu serializes calls; the module's linear memory is one shared
	// instance.
	mu sync.Mutex
}

var _ plugins.Handler = (*Handler)(nil)

// NewHandler instantiates a verified WASM module as a stage handler.
// The module must export malloc, free and handler_resolve.
func NewHandler(ctx context.Context, manifest *Manifest, wasmModule []byte, hostConfig *Config) (*Handler, error) {
	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return nil, err
	}

	cfg := hostConfig.withDefaults()
	if manifest.Timeout > 0 {
		cfg.Timeout = manifest.Timeout
	}
	if manifest.MemoryPages > 0 {
		cfg.MemoryLimitPages = manifest.MemoryPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI for %s: %w", manifest.Name, err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module %s: %w", manifest.Name, err)
	}

	h := &Handler{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		memory:   module.Memory(),
		timeout:  cfg.Timeout,
	}
	if h.memory == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module %s exports no memory", manifest.Name)
	}

	for _, export := range []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &h.malloc},
		{"free", &h.free},
		{"handler_resolve", &h.resolve},
	} {
		*export.fn = module.ExportedFunction(export.name)
		if *export.fn == nil {
			runtime.Close(ctx)
			return nil, fmt.Errorf("module %s exports no %s function", manifest.Name, export.name)
		}
	}

	return h, nil
}

// Manifest returns the handler's manifest.
func (h *Handler) Manifest() *Manifest {
	return h.manifest
}

// Resolve marshals the request, calls the module's handler_resolve and
// unmarshals the recipe it answers with.
func (h *Handler) Resolve(ctx context.Context, req *plugins.Request) (*plugins.Recipe, error) {
	input, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", h.manifest.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	output, err := h.call(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", h.manifest.Name, err)
	}

	var resp wireResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("handler %s returned malformed response: %w", h.manifest.Name, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handler %s: %s", h.manifest.Name, resp.Error)
	}
	if resp.Recipe == nil {
		return nil, fmt.Errorf("handler %s returned no recipe", h.manifest.Name)
	}
	return resp.Recipe, nil
}

// call passes input through the module's linear memory and reads the
// packed (ptr << 32 | len) result back out.
func (h *Handler) call(ctx context.Context, input []byte) ([]byte, error) {
	inputPtr, err := h.allocate(ctx, uint32(len(input)))
	if err != nil {
		return nil, err
	}
	defer h.deallocate(ctx, inputPtr)

	if !h.memory.Write(inputPtr, input) {
		return nil, fmt.Errorf("failed to write request into module memory")
	}

	results, err := h.resolve.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("handler_resolve trapped: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("handler_resolve returned no result")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return nil, fmt.Errorf("handler_resolve returned an empty response")
	}

	output, ok := h.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read response from module memory")
	}

	// The module allocated the response; copy before freeing.
	copied := make([]byte, len(output))
	copy(copied, output)
	h.deallocate(ctx, outputPtr)

	return copied, nil
}

func (h *Handler) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := h.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc trapped: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned no memory")
	}
	return uint32(results[0]), nil
}

func (h *Handler) deallocate(ctx context.Context, ptr uint32) {
	// A failing free leaks inside the sandbox only.
	_, _ = h.free.Call(ctx, uint64(ptr))
}

// unpack splits a module result into pointer and length.
func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

// Close releases the module and its runtime.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runtime == nil {
		return nil
	}
	err := h.runtime.Close(ctx)
	h.runtime = nil
	return err
}
