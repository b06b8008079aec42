package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Sentinel errors surfaced by Invoke.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidInput     = errors.New("invalid tool input")
	ErrPermissionDenied = errors.New("tool permission denied")
	ErrTimeout          = errors.New("tool timed out")
)

// Execution contexts a tool may declare.
const (
	ExecServer = "server"
	ExecWorker = "worker"
	ExecForked = "forked"
)

// DefaultTimeout bounds a tool handler unless the definition overrides it.
const DefaultTimeout = 5 * time.Minute

// errorSigil marks handler string results that should surface as failures
// even when the handler returned no Go error.
const errorSigil = "ERROR:"

// Handler runs a validated invocation and produces a result.
type Handler func(ctx context.Context, inv *Invocation) *Result

// Definition declares one tool. Registration is startup-only; the registry
// is immutable afterwards.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any // JSON-schema over the input object
	ExecContext string         // ExecServer (default), ExecWorker, ExecForked
	Permission  string         // label consumed by the policy layer
	Timeout     time.Duration  // 0 = DefaultTimeout
	Handler     Handler

	compiled *jsonschema.Schema
}

// Invocation is the validated input handed to a handler.
type Invocation struct {
	Tool      string
	ToolUseID string
	ThreadID  uuid.UUID
	Channel   string
	Actor     string
	Input     map[string]any

	// Progress publishes an optional tool_progress segment; nil-safe.
	Progress func(note string, percent int)
}

// Canonical returns the serialized canonical form of the input, used by
// the runtime as the retry-counter key.
func (inv *Invocation) Canonical() string {
	keys := make([]string, 0, len(inv.Input))
	for k := range inv.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(inv.Tool)
	for _, k := range keys {
		v, _ := json.Marshal(inv.Input[k])
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.Write(v)
	}
	return sb.String()
}

// NotifyProgress is a nil-safe Progress call.
func (inv *Invocation) NotifyProgress(note string, percent int) {
	if inv.Progress != nil {
		inv.Progress(note, percent)
	}
}

// Invoker dispatches an invocation to its handler; interceptors wrap it.
type Invoker func(ctx context.Context, inv *Invocation) *Result

// Interceptor wraps tool dispatch. It may rewrite the invocation, call
// next, post-process the result, or short-circuit without calling next.
type Interceptor func(next Invoker) Invoker

// Policy decides whether a caller may run a tool with a given permission
// label. A nil policy allows everything.
type Policy interface {
	Allow(inv *Invocation, permission string) error
}

// Registry is the immutable tool catalog plus the dispatch pipeline.
type Registry struct {
	tools        map[string]*Definition
	order        []string
	policy       Policy
	interceptors []Interceptor
	sealed       bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register adds a tool definition, compiling its input schema. Panics on a
// duplicate name or invalid schema: both are programmer errors at boot.
func (r *Registry) Register(def Definition) {
	if r.sealed {
		panic("tools: Register after Seal")
	}
	if def.Name == "" || def.Handler == nil {
		panic("tools: definition needs name and handler")
	}
	if _, exists := r.tools[def.Name]; exists {
		panic("tools: duplicate tool " + def.Name)
	}
	if def.ExecContext == "" {
		def.ExecContext = ExecServer
	}
	if def.Timeout == 0 {
		def.Timeout = DefaultTimeout
	}
	if def.Schema != nil {
		def.compiled = mustCompileSchema(def.Name, def.Schema)
	}
	r.tools[def.Name] = &def
	r.order = append(r.order, def.Name)
}

// Use appends an interceptor to the dispatch chain. Interceptors run in
// registration order, outermost first.
func (r *Registry) Use(ic Interceptor) {
	if r.sealed {
		panic("tools: Use after Seal")
	}
	r.interceptors = append(r.interceptors, ic)
}

// SetPolicy installs the permission policy.
func (r *Registry) SetPolicy(p Policy) { r.policy = p }

// Seal freezes the registry; called once at the end of boot.
func (r *Registry) Seal() { r.sealed = true }

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.tools[name]
	return def, ok
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Defs returns the definitions in registration order, for composing the
// LLM tool catalog.
func (r *Registry) Defs() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Invoke validates and dispatches one tool call. Ordering across calls is
// the caller's concern; within one turn the runtime invokes sequentially.
func (r *Registry) Invoke(ctx context.Context, name string, rawInput json.RawMessage, inv *Invocation) *Result {
	def, ok := r.tools[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name)).WithError(ErrUnknownTool)
	}

	input := map[string]any{}
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return ErrorResult("tool input is not a JSON object: " + err.Error()).WithError(ErrInvalidInput)
		}
	}
	if def.compiled != nil {
		// Validate over the generic decoding so schema keywords see plain
		// maps/slices/float64s.
		var generic any
		if len(rawInput) > 0 {
			dec, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rawInput)))
			if err != nil {
				return ErrorResult("decode input: " + err.Error()).WithError(ErrInvalidInput)
			}
			generic = dec
		} else {
			generic = map[string]any{}
		}
		if err := def.compiled.Validate(generic); err != nil {
			return ErrorResult(fmt.Sprintf("input rejected by schema: %v", err)).WithError(ErrInvalidInput)
		}
	}

	inv.Tool = name
	inv.Input = input

	if r.policy != nil {
		if err := r.policy.Allow(inv, def.Permission); err != nil {
			return ErrorResult("permission denied: " + err.Error()).WithError(ErrPermissionDenied)
		}
	}

	dispatch := func(ctx context.Context, inv *Invocation) *Result {
		return r.run(ctx, def, inv)
	}
	for i := len(r.interceptors) - 1; i >= 0; i-- {
		dispatch = r.interceptors[i](dispatch)
	}
	return dispatch(ctx, inv)
}

// run executes the handler under the tool timeout and maps panics and
// sigil-prefixed outputs to failures.
func (r *Registry) run(ctx context.Context, def *Definition, inv *Invocation) (res *Result) {
	ctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", def.Name, "panic", rec)
			res = ErrorResult(fmt.Sprintf("tool %s crashed: %v", def.Name, rec))
		}
	}()

	done := make(chan *Result, 1)
	go func() {
		done <- def.Handler(ctx, inv)
	}()

	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrorResult(fmt.Sprintf("tool %s timed out after %s", def.Name, def.Timeout)).WithError(ErrTimeout)
		}
		return ErrorResult("cancelled").WithError(ctx.Err())
	}

	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	if !res.IsError && strings.HasPrefix(res.Output, errorSigil) {
		res.IsError = true
		res.Output = strings.TrimSpace(strings.TrimPrefix(res.Output, errorSigil))
	}
	return res
}

func mustCompileSchema(name string, schema map[string]any) *jsonschema.Schema {
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema for %s: %v", name, err))
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		panic(fmt.Sprintf("tools: decode schema for %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	url := "gigi://tools/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("tools: add schema for %s: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("tools: compile schema for %s: %v", name, err))
	}
	return compiled
}
