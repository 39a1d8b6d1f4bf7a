package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"runtime"
	"runtime/metrics"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"golang.org/x/sync/semaphore"

	"github.com/polisai/polis-governance/pkg/domain"
)

// AllowedBuiltins is the capability set exposed to custom rules: comparison,
// arithmetic, aggregation and string matching. Network, file, time and randomness
// builtins are absent so rules stay deterministic and side-effect free.
var AllowedBuiltins = []string{
	"eq", "assign", "equal", "neq", "lt", "lte", "gt", "gte",
	"plus", "minus", "mul", "div", "rem", "abs", "round",
	"and", "or",
	"count", "sum", "max", "min", "sort",
	"contains", "startswith", "endswith", "lower", "upper", "trim_space",
	"split", "concat", "sprintf", "indexof", "substring", "replace",
	"regex.match",
	"to_number", "is_number", "is_string", "is_array", "is_object",
	"object.get", "object.keys", "array.concat", "array.slice",
	"internal.member_2", "internal.member_3",
}

const (
	defaultMaxInputBytes      = 1 << 20
	defaultCustomTimeout      = time.Second
	defaultMaxHeapGrowthBytes = 256 << 20
	defaultHeapSampleInterval = 5 * time.Millisecond
)

// heapMetric counts bytes held by heap objects, live or not yet swept.
const heapMetric = "/memory/classes/heap/objects:bytes"

var (
	// ErrInputTooLarge is returned when a rule input exceeds the sandbox memory ceiling.
	ErrInputTooLarge = errors.New("rule input exceeds sandbox limit")
	// ErrMemoryCeiling is returned when the heap grows past the sandbox budget while
	// custom rules are running.
	ErrMemoryCeiling = errors.New("rule evaluation exceeded sandbox memory ceiling")
)

// SandboxOptions bound custom rule execution.
type SandboxOptions struct {
	// MaxInputBytes caps the JSON-encoded input handed to a rule.
	MaxInputBytes int
	// Timeout is the default wall-clock budget for a single evaluation.
	Timeout time.Duration
	// Builtins overrides AllowedBuiltins.
	Builtins []string
	// MaxConcurrent caps evaluations running at once across the sandbox.
	// Defaults to GOMAXPROCS.
	MaxConcurrent int
	// MaxHeapGrowthBytes cancels running evaluations once the heap has grown this
	// much since the first of them started.
	MaxHeapGrowthBytes uint64
	// HeapSampleInterval is how often heap growth is checked.
	HeapSampleInterval time.Duration
}

// Sandbox compiles and evaluates Rego modules under a restricted capability set.
// Prepared queries are cached by module content.
type Sandbox struct {
	capabilities  *ast.Capabilities
	maxInputBytes int
	timeout       time.Duration
	slots         *semaphore.Weighted
	guard         *heapGuard

	mu       sync.RWMutex
	programs map[string]*Program
}

// Program is a compiled rule ready for evaluation.
type Program struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewSandbox builds a sandbox with the allowlisted capabilities.
func NewSandbox(opts SandboxOptions) *Sandbox {
	if opts.MaxInputBytes <= 0 {
		opts.MaxInputBytes = defaultMaxInputBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCustomTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = runtime.GOMAXPROCS(0)
	}
	if opts.MaxHeapGrowthBytes == 0 {
		opts.MaxHeapGrowthBytes = defaultMaxHeapGrowthBytes
	}
	if opts.HeapSampleInterval <= 0 {
		opts.HeapSampleInterval = defaultHeapSampleInterval
	}
	allowed := opts.Builtins
	if len(allowed) == 0 {
		allowed = AllowedBuiltins
	}

	return &Sandbox{
		capabilities:  restrictCapabilities(allowed),
		maxInputBytes: opts.MaxInputBytes,
		timeout:       opts.Timeout,
		slots:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		guard:         &heapGuard{limit: opts.MaxHeapGrowthBytes, interval: opts.HeapSampleInterval},
		programs:      make(map[string]*Program),
	}
}

func restrictCapabilities(allowed []string) *ast.Capabilities {
	base := ast.CapabilitiesForThisVersion()
	keep := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		keep[name] = struct{}{}
	}

	caps := *base
	caps.Builtins = make([]*ast.Builtin, 0, len(allowed))
	for _, builtin := range base.Builtins {
		if _, ok := keep[builtin.Name]; ok {
			caps.Builtins = append(caps.Builtins, builtin)
		}
	}
	caps.AllowNet = []string{}
	return &caps
}

// Compile parses module and prepares the query "<package>.<rule>". The module must
// define rule.
func (s *Sandbox) Compile(ctx context.Context, name, module, rule string) (*Program, error) {
	key := programKey(module, rule)

	s.mu.RLock()
	if program, ok := s.programs[key]; ok {
		s.mu.RUnlock()
		return program, nil
	}
	s.mu.RUnlock()

	parsed, err := ast.ParseModuleWithOpts(name, module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", name, err)
	}
	if !definesRule(parsed, rule) {
		return nil, fmt.Errorf("rego module %q does not define %q", name, rule)
	}

	query := parsed.Package.Path.String() + "." + rule
	r := rego.New(
		rego.Query(query),
		rego.ParsedModule(parsed),
		rego.Capabilities(s.capabilities),
		rego.StrictBuiltinErrors(true),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have already prepared the module; respect first entry.
	if existing, ok := s.programs[key]; ok {
		return existing, nil
	}
	program := &Program{query: query, prepared: prepared}
	s.programs[key] = program
	return program, nil
}

// Eval runs program against input within timeout (the sandbox default when zero).
// It returns the rule value and whether the rule was defined for the input.
func (s *Sandbox) Eval(ctx context.Context, program *Program, input map[string]any, timeout time.Duration) (any, bool, error) {
	if err := s.checkInput(input); err != nil {
		return nil, false, err
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	if err := s.slots.Acquire(timeoutCtx, 1); err != nil {
		return nil, false, fmt.Errorf("%w after %s waiting for a sandbox slot", domain.ErrEvaluationTimeout, timeout)
	}
	defer s.slots.Release(1)

	evalCtx, cancel := context.WithCancelCause(timeoutCtx)
	defer cancel(nil)
	release := s.guard.watch(cancel)
	defer release()

	results, err := program.prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		if cause := context.Cause(evalCtx); errors.Is(cause, ErrMemoryCeiling) {
			return nil, false, fmt.Errorf("rego eval %s: %w", program.query, cause)
		}
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w after %s", domain.ErrEvaluationTimeout, timeout)
		}
		return nil, false, fmt.Errorf("rego eval %s: %w", program.query, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, false, nil
	}
	return results[0].Expressions[0].Value, true, nil
}

// Len returns the number of cached programs.
func (s *Sandbox) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.programs)
}

// heapGuard samples heap size while evaluations run and cancels all of them once
// growth since the first one started passes limit. Heap usage is process-wide,
// so the baseline resets only when no evaluation is running.
type heapGuard struct {
	limit    uint64
	interval time.Duration

	mu       sync.Mutex
	baseline uint64
	active   map[*context.CancelCauseFunc]struct{}
	stop     chan struct{}
}

func (g *heapGuard) watch(cancel context.CancelCauseFunc) (release func()) {
	key := &cancel
	g.mu.Lock()
	if len(g.active) == 0 {
		g.active = make(map[*context.CancelCauseFunc]struct{})
		g.baseline = heapBytes()
		g.stop = make(chan struct{})
		go g.sample(g.stop, g.baseline)
	}
	g.active[key] = struct{}{}
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.active, key)
		if len(g.active) == 0 && g.stop != nil {
			close(g.stop)
			g.stop = nil
		}
	}
}

func (g *heapGuard) sample(stop <-chan struct{}, baseline uint64) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		current := heapBytes()
		if current <= baseline || current-baseline <= g.limit {
			continue
		}
		err := fmt.Errorf("%w: heap grew %d bytes, limit %d", ErrMemoryCeiling, current-baseline, g.limit)
		g.mu.Lock()
		for cancel := range g.active {
			(*cancel)(err)
		}
		g.mu.Unlock()
	}
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

func (s *Sandbox) checkInput(input map[string]any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode rule input: %w", err)
	}
	if len(raw) > s.maxInputBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrInputTooLarge, len(raw), s.maxInputBytes)
	}
	return nil
}

func definesRule(module *ast.Module, rule string) bool {
	target := ast.Var(rule)
	for _, r := range module.Rules {
		ref := r.Head.Ref()
		if len(ref) > 0 && ref[0].Value.Compare(target) == 0 {
			return true
		}
	}
	return false
}

// programKey hashes the module source and rule name; each field is written
// followed by a null delimiter.
func programKey(module, rule string) string {
	h := sha256.New()
	writeKeyField(h, strings.TrimSpace(module))
	writeKeyField(h, rule)
	return hex.EncodeToString(h.Sum(nil))
}

func writeKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// ViolationResult interprets the value of a "violation" rule: true, a non-empty
// object (evidence) or a non-empty collection (matches) mean violated.
func ViolationResult(value any) (bool, map[string]any) {
	switch typed := value.(type) {
	case bool:
		if typed {
			return true, map[string]any{}
		}
	case map[string]any:
		if len(typed) > 0 {
			return true, typed
		}
	case []any:
		if len(typed) > 0 {
			matches := append([]any(nil), typed...)
			sort.SliceStable(matches, func(i, j int) bool {
				return fmt.Sprint(matches[i]) < fmt.Sprint(matches[j])
			})
			return true, map[string]any{"matches": matches}
		}
	}
	return false, nil
}

// AllowResult interprets the value of an "allow" rule; only literal true allows.
func AllowResult(value any, defined bool) bool {
	allowed, ok := value.(bool)
	return defined && ok && allowed
}
