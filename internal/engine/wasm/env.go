package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/emscripten"
)

const wasmPageSize = 65536

var errAborted = errors.New("engine aborted")

// envShims are host fallbacks for the few emscripten runtime imports that the
// emscripten exporter does not provide. Each is only linked when the module
// imports it, using the signature the module declares.
var envShims = map[string]func(api.FunctionDefinition) api.GoModuleFunc{
	"emscripten_memcpy_big":  memcpyBig,
	"emscripten_resize_heap": resizeHeap,
	"abort":                  abort,
}

// instantiateEnv links the "env" host module the emscripten toolchain expects.
func instantiateEnv(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule) error {
	exporter, err := emscripten.NewFunctionExporterForModule(compiled)
	if err != nil {
		return fmt.Errorf("emscripten imports: %w", err)
	}
	env := r.NewHostModuleBuilder("env")
	exporter.ExportFunctions(env)

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != "env" {
			continue
		}
		shim, ok := envShims[name]
		if !ok {
			continue
		}
		env.NewFunctionBuilder().
			WithGoModuleFunction(shim(def), def.ParamTypes(), def.ResultTypes()).
			Export(name)
	}

	if _, err := env.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate env: %w", err)
	}
	return nil
}

func memcpyBig(def api.FunctionDefinition) api.GoModuleFunc {
	return func(_ context.Context, mod api.Module, stack []uint64) {
		dest, src, num := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
		mem := mod.Memory()
		view, ok := mem.Read(src, num)
		if !ok {
			panic(fmt.Errorf("memcpy_big: read %d bytes at %#x out of range", num, src))
		}
		buf := make([]byte, len(view))
		copy(buf, view)
		if !mem.Write(dest, buf) {
			panic(fmt.Errorf("memcpy_big: write %d bytes at %#x out of range", num, dest))
		}
		if len(def.ResultTypes()) == 1 {
			stack[0] = api.EncodeU32(dest)
		}
	}
}

func resizeHeap(api.FunctionDefinition) api.GoModuleFunc {
	return func(_ context.Context, mod api.Module, stack []uint64) {
		requested := api.DecodeU32(stack[0])
		mem := mod.Memory()
		size := mem.Size()
		if requested <= size {
			stack[0] = 1
			return
		}
		pages := (requested - size + wasmPageSize - 1) / wasmPageSize
		if _, ok := mem.Grow(pages); !ok {
			stack[0] = 0
			return
		}
		stack[0] = 1
	}
}

func abort(api.FunctionDefinition) api.GoModuleFunc {
	return func(context.Context, api.Module, []uint64) {
		panic(errAborted)
	}
}
