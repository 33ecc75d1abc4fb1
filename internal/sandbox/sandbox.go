// Package sandbox runs user-supplied Lua code in isolated, resource-bounded
// virtual machines.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/goccy/go-json"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"

	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/metrics"
)

const (
	chunkName       = "user_code"
	forbiddenMarker = "forbidden api access"
	memoryMarker    = "memory limit exceeded"
	watchdogGrace   = 250 * time.Millisecond
	maxLogLines     = 100
)

// Globals removed from every VM. Calling or indexing them fails with
// ForbiddenAPIAccess.
var forbiddenFunctions = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "getfenv", "setfenv", "newproxy", "_printregs",
}

var forbiddenModules = []string{"os", "io", "debug", "package", "channel", "coroutine"}

// Config bounds every VM.
type Config struct {
	Timeout         time.Duration
	MaxConcurrent   int
	RegistryMaxSize int
	CallStackSize   int
	MaxStringBytes  int
	MaxOutputBytes  int
	MaxMemoryBytes  int
	AllowedHosts    []string
	HTTPClient      *http.Client
}

func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		MaxConcurrent:   8,
		RegistryMaxSize: 256 * 1024,
		CallStackSize:   200,
		MaxStringBytes:  1 << 20,
		MaxOutputBytes:  1 << 20,
		MaxMemoryBytes:  64 << 20,
	}
}

// Request is one invocation of user code.
type Request struct {
	Code string
	// Inputs are the declared bindings; nothing else is visible to the code.
	Inputs map[string]interface{}
	// Outputs lists the names captured from the returned table or, failing
	// that, from globals. When empty the whole returned value is captured.
	Outputs []string
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

type Result struct {
	Outputs  map[string]interface{} `json:"outputs"`
	Logs     []string               `json:"logs,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Runtime executes requests. It is safe for concurrent use and shared
// across runs.
type Runtime struct {
	config  Config
	sem     *semaphore.Weighted
	allowed map[string]bool
	client  *http.Client
	logger  logger.Logger
}

// New builds a runtime. Zero fields of config take their DefaultConfig value.
func New(config Config, log logger.Logger) *Runtime {
	if err := mergo.Merge(&config, DefaultConfig()); err != nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewNop()
	}

	allowed := make(map[string]bool, len(config.AllowedHosts))
	for _, h := range config.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = true
		}
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Runtime{
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		allowed: allowed,
		client:  client,
		logger:  log.Named("sandbox"),
	}
}

// Timeout returns the default wall-clock limit of a VM.
func (r *Runtime) Timeout() time.Duration {
	return r.config.Timeout
}

// vm is the per-invocation state shared with Go callbacks.
type vm struct {
	L         *lua.LState
	runtime   *Runtime
	ctx       context.Context
	mu        sync.Mutex
	logs      []string
	forbidden string
	memory    string
}

func (v *vm) flagForbidden(name string) {
	v.mu.Lock()
	if v.forbidden == "" {
		v.forbidden = name
	}
	v.mu.Unlock()
}

func (v *vm) flagMemory(reason string) {
	v.mu.Lock()
	if v.memory == "" {
		v.memory = reason
	}
	v.mu.Unlock()
}

// Execute runs req in a fresh VM. Failures inside user code are returned as
// *Error; cancellation of ctx is returned as ctx.Err().
func (r *Runtime) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	timeout := r.config.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	v := &vm{runtime: r, ctx: runCtx}
	go watchMemory(runCtx, v, uint64(r.config.MaxMemoryBytes), cancel)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &Error{Kind: RuntimeError, Message: sanitize(fmt.Sprint(p))}}
			}
		}()
		res, err := r.run(v, req)
		done <- outcome{result: res, err: err}
	}()

	watchdog := time.NewTimer(timeout + watchdogGrace)
	defer watchdog.Stop()

	var out outcome
	select {
	case out = <-done:
	case <-watchdog.C:
		// The VM ignored its context; abandon it.
		logger.FromContext(ctx, r.logger).Warn("Sandbox watchdog fired", "timeout", timeout)
		out = outcome{err: &Error{Kind: TimeoutExceeded, Message: fmt.Sprintf("execution exceeded %s", timeout)}}
	}

	if out.err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.RecordSandbox("cancelled")
			return nil, ctx.Err()
		}
		var sbErr *Error
		if errors.As(out.err, &sbErr) {
			metrics.RecordSandbox(string(sbErr.Kind))
		}
		return nil, out.err
	}

	out.result.Duration = time.Since(start)
	metrics.RecordSandbox("success")
	return out.result, nil
}

func (r *Runtime) run(v *vm, req Request) (*Result, error) {
	ctx := v.ctx
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       r.config.CallStackSize,
		RegistrySize:        1024,
		RegistryMaxSize:     r.config.RegistryMaxSize,
		RegistryGrowStep:    64,
		IncludeGoStackTrace: false,
		MinimizeStackMemory: true,
	})
	defer L.Close()
	L.SetContext(ctx)

	v.L = L
	if err := v.openLibs(); err != nil {
		return nil, &Error{Kind: RuntimeError, Message: err.Error()}
	}
	v.bindInputs(req.Inputs)

	fn, err := L.Load(strings.NewReader(req.Code), chunkName)
	if err != nil {
		return nil, &Error{Kind: RuntimeError, Message: sanitize(err.Error())}
	}

	L.Push(fn)
	callErr := L.PCall(0, lua.MultRet, nil)
	if err := v.classify(ctx, callErr); err != nil {
		return nil, err
	}

	var returned lua.LValue = lua.LNil
	if L.GetTop() > 0 {
		returned = L.Get(1)
	}

	outputs, err := v.captureOutputs(returned, req.Outputs)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	logs := append([]string(nil), v.logs...)
	v.mu.Unlock()

	return &Result{Outputs: outputs, Logs: logs}, nil
}

// classify maps a VM error and the callback flags onto an Error kind. Flags
// win so user code cannot hide violations behind pcall.
func (v *vm) classify(ctx context.Context, callErr error) error {
	v.mu.Lock()
	forbidden, memory := v.forbidden, v.memory
	v.mu.Unlock()

	if forbidden != "" {
		return &Error{Kind: ForbiddenAPIAccess, Message: fmt.Sprintf("%s is not available in the sandbox", forbidden)}
	}
	if memory != "" {
		return &Error{Kind: MemoryLimitExceeded, Message: memory}
	}
	if callErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: TimeoutExceeded, Message: "execution exceeded the time limit"}
	}

	message, trace := callErr.Error(), ""
	var apiErr *lua.ApiError
	if errors.As(callErr, &apiErr) {
		if apiErr.Object != nil {
			message = apiErr.Object.String()
		}
		trace = apiErr.StackTrace
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "registry overflow"), strings.Contains(lower, "stack overflow"):
		return &Error{Kind: MemoryLimitExceeded, Message: sanitize(message), Trace: sanitize(trace)}
	case strings.Contains(lower, forbiddenMarker):
		return &Error{Kind: ForbiddenAPIAccess, Message: sanitize(message)}
	}
	return &Error{Kind: RuntimeError, Message: sanitize(message), Trace: sanitize(trace)}
}

func (v *vm) openLibs() error {
	L := v.L
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("failed to open %s: %w", lib.name, err)
		}
	}

	for _, name := range forbiddenFunctions {
		L.SetGlobal(name, L.NewFunction(v.forbiddenFunc(name)))
	}
	for _, name := range forbiddenModules {
		L.SetGlobal(name, v.forbiddenTable(name))
	}

	L.SetGlobal("print", L.NewFunction(v.print))
	L.SetGlobal("http_get", L.NewFunction(v.httpGet))

	if strTbl, ok := L.GetGlobal("string").(*lua.LTable); ok {
		L.SetField(strTbl, "rep", L.NewFunction(v.stringRep))
	}
	return nil
}

func (v *vm) forbiddenFunc(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		v.flagForbidden(name)
		L.RaiseError("%s: %s is not available", forbiddenMarker, name)
		return 0
	}
}

// forbiddenTable stands in for a removed module; any access fails.
func (v *vm) forbiddenTable(name string) *lua.LTable {
	L := v.L
	tbl := L.NewTable()
	mt := L.NewTable()
	deny := L.NewFunction(func(L *lua.LState) int {
		key := L.Get(2).String()
		v.flagForbidden(name + "." + key)
		L.RaiseError("%s: %s.%s is not available", forbiddenMarker, name, key)
		return 0
	})
	L.SetField(mt, "__index", deny)
	L.SetField(mt, "__newindex", deny)
	L.SetMetatable(tbl, mt)
	return tbl
}

func (v *vm) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	v.mu.Lock()
	if len(v.logs) < maxLogLines {
		v.logs = append(v.logs, strings.Join(parts, "\t"))
	}
	v.mu.Unlock()
	return 0
}

// stringRep is string.rep with a bound on the produced length.
func (v *vm) stringRep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	sep := L.OptString(3, "")
	if n <= 0 {
		L.Push(lua.LString(""))
		return 1
	}
	size := int64(len(s))*int64(n) + int64(len(sep))*int64(n-1)
	if size > int64(v.runtime.config.MaxStringBytes) {
		reason := fmt.Sprintf("string.rep would allocate %d bytes (limit %d)", size, v.runtime.config.MaxStringBytes)
		v.flagMemory(reason)
		L.RaiseError("%s: %s", memoryMarker, reason)
		return 0
	}
	var b strings.Builder
	b.Grow(int(size))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(s)
	}
	L.Push(lua.LString(b.String()))
	return 1
}

// httpGet fetches url if its host is on the allow-list. It returns the body
// and status code, or nil and an error message.
func (v *vm) httpGet(L *lua.LState) int {
	raw := L.CheckString(1)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		L.Push(lua.LNil)
		L.Push(lua.LString("invalid url"))
		return 2
	}
	if !v.runtime.hostAllowed(u.Hostname()) {
		v.flagForbidden("http_get(" + u.Hostname() + ")")
		L.RaiseError("%s: host %s is not allowed", forbiddenMarker, u.Hostname())
		return 0
	}

	req, err := http.NewRequestWithContext(v.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	resp, err := v.runtime.client.Do(req)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(sanitize(err.Error())))
		return 2
	}
	defer resp.Body.Close()

	limit := int64(v.runtime.config.MaxStringBytes)
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if int64(len(body)) > limit {
		reason := fmt.Sprintf("http_get response exceeds %d bytes", limit)
		v.flagMemory(reason)
		L.RaiseError("%s: %s", memoryMarker, reason)
		return 0
	}

	L.Push(lua.LString(body))
	L.Push(lua.LNumber(resp.StatusCode))
	return 2
}

func (r *Runtime) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	if r.allowed[host] {
		return true
	}
	for pattern := range r.allowed {
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}
	}
	return false
}

func (v *vm) bindInputs(inputs map[string]interface{}) {
	L := v.L
	tbl := L.NewTable()
	for name, value := range inputs {
		lv := toLua(L, value)
		L.SetGlobal(name, lv)
		tbl.RawSetString(name, lv)
	}
	L.SetGlobal("inputs", tbl)
}

func (v *vm) captureOutputs(returned lua.LValue, declared []string) (map[string]interface{}, error) {
	outputs := make(map[string]interface{})
	tbl, isTable := returned.(*lua.LTable)

	if len(declared) == 0 {
		switch {
		case isTable:
			converted, err := fromLua(tbl)
			if err != nil {
				return nil, &Error{Kind: RuntimeError, Message: err.Error()}
			}
			if m, ok := converted.(map[string]interface{}); ok {
				outputs = m
			} else {
				outputs["result"] = converted
			}
		case returned != lua.LNil:
			converted, err := fromLua(returned)
			if err != nil {
				return nil, &Error{Kind: RuntimeError, Message: err.Error()}
			}
			outputs["result"] = converted
		}
	} else {
		for _, name := range declared {
			var lv lua.LValue = lua.LNil
			if isTable {
				lv = tbl.RawGetString(name)
			}
			if lv == lua.LNil {
				lv = v.L.GetGlobal(name)
			}
			if lv == lua.LNil {
				continue
			}
			converted, err := fromLua(lv)
			if err != nil {
				return nil, &Error{Kind: RuntimeError, Message: fmt.Sprintf("output %q: %v", name, err)}
			}
			outputs[name] = converted
		}
	}

	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, &Error{Kind: RuntimeError, Message: fmt.Sprintf("outputs are not serializable: %v", err)}
	}
	if len(data) > v.runtime.config.MaxOutputBytes {
		return nil, &Error{Kind: MemoryLimitExceeded, Message: fmt.Sprintf("outputs are %d bytes (limit %d)", len(data), v.runtime.config.MaxOutputBytes)}
	}
	return outputs, nil
}
