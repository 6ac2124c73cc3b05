// Package profiler implements the access-pattern profiler and prefetch
// planner (spec.md §4.9): it samples read_contract/multicall call sites
// per event name, learns which call arguments are constant versus
// derived from the event payload, and predicts + prefetches the RPC
// calls the next event batch is likely to need.
package profiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// SamplingRate: every 10th invocation of a read_contract/multicall
	// action (per event name) is sampled.
	SamplingRate = 10
	// MaxConstantPatternCount bounds the per-event LRU of patterns that
	// carry at least one Constant argument.
	MaxConstantPatternCount = 10
	// MaxFieldPathDepth (K) bounds how deep a Derived path search walks
	// into the event payload.
	MaxFieldPathDepth = 4

	dbPredictionThreshold  = 0.2
	rpcPredictionThreshold = 0.8
)

// ArgKind tags whether a call argument is fixed or derived from the
// event payload.
type ArgKind int

const (
	Constant ArgKind = iota
	Derived
)

// Arg is one positional argument (or the call's address) in a profiled
// pattern.
type Arg struct {
	Kind  ArgKind
	Value any      // meaningful when Kind == Constant
	Path  []string // meaningful when Kind == Derived
}

// Pattern is a recorded call shape for one event name.
type Pattern struct {
	EventName    string
	FunctionName string
	ABIRef       string
	Address      Arg
	Args         []Arg
	CachePolicy  string
	Count        int
}

// Key deterministically serializes a pattern, ignoring Count, so two
// structurally identical calls collapse to one ProfileKey.
func (p Pattern) Key() string {
	type argJSON struct {
		Kind  ArgKind `json:"kind"`
		Value any     `json:"value,omitempty"`
		Path  []string `json:"path,omitempty"`
	}
	toJSON := func(a Arg) argJSON { return argJSON{Kind: a.Kind, Value: a.Value, Path: a.Path} }

	args := make([]argJSON, len(p.Args))
	for i, a := range p.Args {
		args[i] = toJSON(a)
	}

	payload, _ := json.Marshal(struct {
		EventName    string    `json:"event_name"`
		FunctionName string    `json:"function_name"`
		ABIRef       string    `json:"abi_ref"`
		Address      argJSON   `json:"address"`
		Args         []argJSON `json:"args"`
	}{p.EventName, p.FunctionName, p.ABIRef, toJSON(p.Address), args})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CallObservation is what the caller supplies at a read_contract /
// multicall call site for possible sampling.
type CallObservation struct {
	EventName    string
	FunctionName string
	ABIRef       string
	Address      string
	Args         []any
	EventPayload map[string]any
}

type eventState struct {
	invocations int
	patterns    map[string]*Pattern // non-constant patterns: unbounded, keyed by Key()
	constantLRU *lru.Cache[string, *Pattern]
	totalCount  int
}

// Profiler owns per-event sampling state. Its lifecycle is tied to one
// indexing run (spec.md §9: "no process-wide singletons").
type Profiler struct {
	mu     sync.Mutex
	events map[string]*eventState
}

// New constructs an empty Profiler.
func New() *Profiler {
	return &Profiler{events: make(map[string]*eventState)}
}

func (p *Profiler) stateFor(eventName string) *eventState {
	s, ok := p.events[eventName]
	if !ok {
		constantLRU, _ := lru.New[string, *Pattern](MaxConstantPatternCount)
		s = &eventState{patterns: make(map[string]*Pattern), constantLRU: constantLRU}
		p.events[eventName] = s
	}
	return s
}

// Observe is called at every read_contract/multicall call site. Every
// SamplingRate-th invocation (per event name) is sampled into a
// pattern.
func (p *Profiler) Observe(obs CallObservation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stateFor(obs.EventName)
	s.invocations++
	if s.invocations%SamplingRate != 0 {
		return
	}

	pattern := Pattern{
		EventName:    obs.EventName,
		FunctionName: obs.FunctionName,
		ABIRef:       obs.ABIRef,
		Address:      deriveArg(obs.Address, obs.EventPayload),
	}
	hasConstant := pattern.Address.Kind == Constant
	for _, arg := range obs.Args {
		a := deriveArg(arg, obs.EventPayload)
		if a.Kind == Constant {
			hasConstant = true
		}
		pattern.Args = append(pattern.Args, a)
	}

	key := pattern.Key()
	s.totalCount++

	if hasConstant {
		if existing, ok := s.constantLRU.Get(key); ok {
			existing.Count++
			return
		}
		pattern.Count = 1
		s.constantLRU.Add(key, &pattern)
		return
	}

	if existing, ok := s.patterns[key]; ok {
		existing.Count++
		return
	}
	pattern.Count = 1
	s.patterns[key] = &pattern
}

// deriveArg tries to locate v inside payload by a field path of length
// ≤ MaxFieldPathDepth; falls back to Constant(v) when no path is found.
func deriveArg(v any, payload map[string]any) Arg {
	if path, ok := findPath(v, payload, MaxFieldPathDepth); ok {
		return Arg{Kind: Derived, Path: path}
	}
	return Arg{Kind: Constant, Value: v}
}

func findPath(target any, obj map[string]any, maxDepth int) ([]string, bool) {
	if maxDepth == 0 {
		return nil, false
	}
	for k, v := range obj {
		if equalLeaf(target, v) {
			return []string{k}, true
		}
		if nested, ok := v.(map[string]any); ok {
			if p, found := findPath(target, nested, maxDepth-1); found {
				return append([]string{k}, p...), true
			}
		}
	}
	return nil, false
}

func equalLeaf(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	default:
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

// Patterns returns every recorded pattern (constant + non-constant) for
// an event name, for use by Prefetch.
func (p *Profiler) Patterns(eventName string) []*Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.events[eventName]
	if !ok {
		return nil
	}
	var out []*Pattern
	for _, pat := range s.patterns {
		out = append(out, pat)
	}
	for _, key := range s.constantLRU.Keys() {
		if pat, ok := s.constantLRU.Peek(key); ok {
			out = append(out, pat)
		}
	}
	return out
}

// EventCount returns the number of sampled invocations recorded for an
// event name (the pattern's own Count is a fraction of this).
func (p *Profiler) EventCount(eventName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.events[eventName]; ok {
		return s.totalCount
	}
	return 0
}
