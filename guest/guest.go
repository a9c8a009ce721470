package guest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/machine"
	"github.com/wippyai/wasm-tls/shims"
	"github.com/wippyai/wasm-tls/target"
	"github.com/wippyai/wasm-tls/tls"
)

// HostModule is the import module name of the TLS shims.
const HostModule = "tls"

// dllProcessDetach is the Windows ABI value of DLL_PROCESS_DETACH.
const dllProcessDetach = 0

// Config holds configuration for program loading
type Config struct {
	// ModuleName names the guest instance. Default "guest".
	ModuleName string

	// MemoryLimitPages sets the maximum memory in pages (64KB each).
	// 0 means the wazero default.
	MemoryLimitPages uint32
}

// Program is a loaded guest bound to a machine.
type Program struct {
	rt      wazero.Runtime
	mod     api.Module
	machine *machine.Machine
	shims   *shims.Registry
	funcs   map[string]*Func
	// hostErr carries a shim error out of a trapped guest call.
	hostErr error
}

// Func is an exported guest function callable by the machine.
type Func struct {
	program *Program
	fn      api.Function
	name    string
	params  int
}

var _ machine.Func = (*Func)(nil)

// Name returns the export name.
func (f *Func) Name() string {
	return f.name
}

// Invoke calls the guest function with as many arguments as it declares.
func (f *Func) Invoke(ctx context.Context, _ *machine.Machine, args []tls.Scalar) error {
	params := make([]uint64, f.params)
	for i := range params {
		if i < len(args) {
			params[i] = uint64(args[i])
		}
	}

	f.program.hostErr = nil
	_, err := f.fn.Call(ctx, params...)
	if hostErr := f.program.hostErr; hostErr != nil {
		f.program.hostErr = nil
		return hostErr
	}
	if err != nil {
		return errors.New(errors.PhaseRuntime, errors.KindTrap).
			Cause(err).
			Detail("guest function %s trapped", f.name).
			Build()
	}
	return nil
}

// Load compiles and instantiates wasm on a fresh wazero runtime, bound to m.
func Load(ctx context.Context, m *machine.Machine, wasm []byte, cfg *Config) (*Program, error) {
	c := Config{ModuleName: "guest"}
	if cfg != nil {
		c = *cfg
		if c.ModuleName == "" {
			c.ModuleName = "guest"
		}
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}

	p := &Program{
		rt:      wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		machine: m,
		shims:   shims.For(m.Target()),
		funcs:   make(map[string]*Func),
	}

	if err := p.instantiateHost(ctx); err != nil {
		p.rt.Close(ctx)
		return nil, err
	}

	compiled, err := p.rt.CompileModule(ctx, wasm)
	if err != nil {
		p.rt.Close(ctx)
		return nil, errors.Load("compile guest", err)
	}

	mod, err := p.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(c.ModuleName).
		WithStartFunctions())
	if err != nil {
		p.rt.Close(ctx)
		return nil, errors.Instantiation(err)
	}
	p.mod = mod

	p.registerExports(compiled.ExportedFunctions())
	if m.Target().Strategy() == target.StrategyProcessDetach {
		m.DefineSymbol(target.ProcessDetachPath, dllProcessDetach)
	}
	return p, nil
}

// registerExports makes every exported function a machine callable, in name
// order so function pointers are deterministic.
func (p *Program) registerExports(defs map[string]api.FunctionDefinition) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := &Func{
			program: p,
			fn:      p.mod.ExportedFunction(name),
			name:    name,
			params:  len(defs[name].ParamTypes()),
		}
		p.funcs[name] = f
		ptr := p.machine.RegisterFunc(f)
		if strings.Contains(name, "::") {
			p.machine.DefineSymbol(strings.Split(name, "::"), ptr)
		}
		Logger().Debug("guest export registered", zap.String("name", name), zap.Uint64("ptr", uint64(ptr)))
	}
}

func (p *Program) instantiateHost(ctx context.Context) error {
	builder := p.rt.NewHostModuleBuilder(HostModule)

	for _, name := range p.shims.Names() {
		shim, _ := p.shims.Lookup(name)
		params := make([]api.ValueType, shim.Arity)
		for i := range params {
			params[i] = api.ValueTypeI64
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(p.shimHandler(shim), params, []api.ValueType{api.ValueTypeI64}).
			Export(name)
	}

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(p.funcAddr),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI64}).
		Export("func_addr")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(p.spawn),
			[]api.ValueType{api.ValueTypeI64, api.ValueTypeI64},
			[]api.ValueType{api.ValueTypeI64}).
		Export("spawn")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(p.trace),
			[]api.ValueType{api.ValueTypeI64},
			nil).
		Export("trace")

	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Registration(errors.PhaseLoad, HostModule, "*", err)
	}
	return nil
}

// fail records err for Invoke and unwinds the guest call. wazero turns the
// panic into an error returned from api.Function.Call.
func (p *Program) fail(err error) {
	p.hostErr = err
	panic(err)
}

func (p *Program) shimHandler(shim shims.Shim) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		args := make([]tls.Scalar, shim.Arity)
		for i := range args {
			args[i] = tls.Scalar(stack[i])
		}
		ret, err := p.shims.Call(ctx, p.machine, shim.Name, args...)
		if err != nil {
			p.fail(err)
		}
		stack[0] = uint64(ret)
	}
}

func (p *Program) funcAddr(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	size := api.DecodeU32(stack[1])

	mem := mod.Memory()
	if mem == nil {
		p.fail(errors.UndefinedBehavior(errors.PhaseShim, "func_addr called from a module without memory"))
	}
	raw, ok := mem.Read(ptr, size)
	if !ok {
		p.fail(errors.UndefinedBehavior(errors.PhaseShim, "func_addr name out of bounds: %d+%d", ptr, size))
	}
	name := string(raw)
	f, ok := p.funcs[name]
	if !ok {
		p.fail(errors.NotFound(errors.PhaseShim, "guest function", name))
	}
	addr, err := p.machine.FuncAddr(f.name)
	if err != nil {
		p.fail(err)
	}
	stack[0] = uint64(addr)
}

func (p *Program) spawn(_ context.Context, _ api.Module, stack []uint64) {
	fn, err := p.machine.Func(tls.Scalar(stack[0]))
	if err != nil {
		p.fail(err)
	}
	entry, ok := fn.(machine.Func)
	if !ok {
		p.fail(errors.InvalidInput(errors.PhaseShim, fmt.Sprintf("%s cannot be a thread entry", fn.Name())))
	}
	id := p.machine.Spawn(entry, tls.Scalar(stack[1]))
	stack[0] = uint64(id)
}

func (p *Program) trace(_ context.Context, _ api.Module, stack []uint64) {
	p.machine.Trace(tls.Scalar(stack[0]))
}

// Lookup returns the exported function called name.
func (p *Program) Lookup(name string) (*Func, bool) {
	f, ok := p.funcs[name]
	return f, ok
}

// Exports returns the exported function names, sorted.
func (p *Program) Exports() []string {
	names := make([]string, 0, len(p.funcs))
	for name := range p.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spawn starts a machine thread at the exported function entry.
func (p *Program) Spawn(entry string, arg tls.Scalar) (tls.ThreadID, error) {
	f, ok := p.funcs[entry]
	if !ok {
		return 0, errors.NotFound(errors.PhaseLoad, "guest function", entry)
	}
	return p.machine.Spawn(f, arg), nil
}

// Close releases the wazero runtime.
func (p *Program) Close(ctx context.Context) error {
	return p.rt.Close(ctx)
}
