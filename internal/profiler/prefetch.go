package profiler

import "fmt"

// EventBatchEntry is one event in the batch about to be processed,
// supplying the payload patterns resolve Derived args against.
type EventBatchEntry struct {
	Name    string
	Payload map[string]any
}

// PredictedCall is one call the profiler expects the next batch to
// need, resolved from a pattern against a specific event's payload.
type PredictedCall struct {
	Pattern *Pattern
	Address string
	Args    []any
	EventsExpected float64 // "ev" in spec.md §4.9
}

// resolve materializes a pattern's Derived/Constant args against a
// specific event payload.
func (pat *Pattern) resolve(payload map[string]any) (address string, args []any, ok bool) {
	addr, ok := resolveArg(pat.Address, payload)
	if !ok {
		return "", nil, false
	}
	addrStr, _ := addr.(string)

	resolvedArgs := make([]any, 0, len(pat.Args))
	for _, a := range pat.Args {
		v, ok := resolveArg(a, payload)
		if !ok {
			return "", nil, false
		}
		resolvedArgs = append(resolvedArgs, v)
	}
	return addrStr, resolvedArgs, true
}

func resolveArg(a Arg, payload map[string]any) (any, bool) {
	if a.Kind == Constant {
		return a.Value, true
	}
	cur := any(payload)
	for _, field := range a.Path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[field]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Predict computes, for each event in the batch, every pattern's
// expected-use count ev = count*SamplingRate/eventCount, and returns the
// calls whose ev exceeds dbPredictionThreshold, each tagged with whether
// it also exceeds rpcPredictionThreshold, de-duplicated by canonical
// key (address+function+args).
func (p *Profiler) Predict(batch []EventBatchEntry) []PredictedCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool)
	var out []PredictedCall

	for _, ev := range batch {
		s, ok := p.events[ev.Name]
		if !ok || s.totalCount == 0 {
			continue
		}

		candidates := make([]*Pattern, 0)
		for _, pat := range s.patterns {
			candidates = append(candidates, pat)
		}
		for _, key := range s.constantLRU.Keys() {
			if pat, ok := s.constantLRU.Peek(key); ok {
				candidates = append(candidates, pat)
			}
		}

		for _, pat := range candidates {
			expected := float64(pat.Count) * float64(SamplingRate) / float64(s.totalCount)
			if expected <= dbPredictionThreshold {
				continue
			}
			address, args, ok := pat.resolve(ev.Payload)
			if !ok {
				continue
			}
			dedupKey := fmt.Sprintf("%s:%s:%v", address, pat.FunctionName, args)
			if seen[dedupKey] {
				continue
			}
			seen[dedupKey] = true
			out = append(out, PredictedCall{Pattern: pat, Address: address, Args: args, EventsExpected: expected})
		}
	}
	return out
}

// RPCPredictionThreshold reports whether a predicted call's expected
// usage crosses the higher bar that triggers firing the upstream RPC
// eagerly (rather than only consulting the DB cache).
func (c PredictedCall) CrossesRPCThreshold() bool {
	return c.EventsExpected > rpcPredictionThreshold
}
