// Package aggregate implements the streaming-aggregate protocol
// (spec.md §3 "transition-state triple", §4.4 step 4): a registry
// mapping ordinary SQL aggregates onto incrementally maintainable
// variants, plus the three functions — transition, combine, finalize
// — that the worker and combiner drive directly against Go values,
// since the host executor that would otherwise run WorkerSQL/
// CombinerSQL text is external to this module (SPEC_FULL.md §4, C8/
// C9).
package aggregate

import (
	"fmt"

	"github.com/pipelinedb/cq/internal/types"
)

// Protocol is one streaming aggregate's transition-state triple.
// State is an opaque accumulator value; Transition folds one input
// row's argument into it; Combine merges two partial states produced
// by different workers for the same group; Finalize projects the
// accumulated state to the aggregate's result type.
type Protocol struct {
	// StreamingName is the incrementally maintainable variant
	// substituted for Name during rewriting (spec.md §4.4 step 4's
	// "streaming variants" table). Empty means Name is already
	// streaming-safe (count, sum, min, max).
	StreamingName string

	Transition func(state any, arg any) any
	Combine    func(a, b any) any
	Finalize   func(state any) any
}

// Registry looks up a Protocol by the aggregate's SQL name and its
// DISTINCT flag.
type Registry struct {
	byName          map[string]Protocol
	byStreamingName map[string]Protocol
}

// NewRegistry constructs the standard registry: the aggregates named
// in spec.md §4.4 step 4, plus the ordinary ones every CV needs
// (count, sum, avg, min, max).
func NewRegistry() *Registry {
	r := &Registry{byName: map[string]Protocol{}, byStreamingName: map[string]Protocol{}}

	r.register("count", Protocol{
		Transition: func(state any, _ any) any { return asInt64(state) + 1 },
		Combine:    func(a, b any) any { return asInt64(a) + asInt64(b) },
		Finalize:   func(state any) any { return state },
	})
	r.register("count_distinct", Protocol{
		StreamingName: "hll_count_distinct",
		Transition: func(state any, arg any) any {
			hll, _ := state.(*HyperLogLog)
			if hll == nil {
				hll = NewHyperLogLog()
			}
			hll.Add(arg)
			return hll
		},
		Combine: func(a, b any) any {
			ha, _ := a.(*HyperLogLog)
			hb, _ := b.(*HyperLogLog)
			if ha == nil {
				return hb
			}
			ha.Merge(hb)
			return ha
		},
		Finalize: func(state any) any {
			hll, _ := state.(*HyperLogLog)
			if hll == nil {
				return int64(0)
			}
			return hll.Estimate()
		},
	})
	r.register("sum", Protocol{
		Transition: func(state any, arg any) any { return asFloat64(state) + asFloat64(arg) },
		Combine:    func(a, b any) any { return asFloat64(a) + asFloat64(b) },
		Finalize:   func(state any) any { return state },
	})
	r.register("avg", Protocol{
		Transition: func(state any, arg any) any {
			s, _ := state.(avgState)
			s.sum += asFloat64(arg)
			s.count++
			return s
		},
		Combine: func(a, b any) any {
			sa, _ := a.(avgState)
			sb, _ := b.(avgState)
			return avgState{sum: sa.sum + sb.sum, count: sa.count + sb.count}
		},
		Finalize: func(state any) any {
			s, _ := state.(avgState)
			if s.count == 0 {
				return nil
			}
			return s.sum / float64(s.count)
		},
	})
	r.register("min", Protocol{
		Transition: func(state any, arg any) any {
			if state == nil || less(arg, state) {
				return arg
			}
			return state
		},
		Combine: func(a, b any) any {
			if a == nil || less(b, a) {
				return b
			}
			return a
		},
		Finalize: func(state any) any { return state },
	})
	r.register("max", Protocol{
		Transition: func(state any, arg any) any {
			if state == nil || less(state, arg) {
				return arg
			}
			return state
		},
		Combine: func(a, b any) any {
			if a == nil || less(a, b) {
				return b
			}
			return a
		},
		Finalize: func(state any) any { return state },
	})
	r.register("array_agg", Protocol{
		StreamingName: "combinable_array_agg",
		Transition:    func(state any, arg any) any { return append(state.([]any), arg) },
		Combine:       func(a, b any) any { return append(a.([]any), b.([]any)...) },
		Finalize:      func(state any) any { return state },
	})
	r.register("array_agg_distinct", Protocol{
		StreamingName: "set_agg",
		Transition: func(state any, arg any) any {
			set, _ := state.(map[any]struct{})
			if set == nil {
				set = map[any]struct{}{}
			}
			set[arg] = struct{}{}
			return set
		},
		Combine: func(a, b any) any {
			sa, _ := a.(map[any]struct{})
			sb, _ := b.(map[any]struct{})
			if sa == nil {
				return sb
			}
			for k := range sb {
				sa[k] = struct{}{}
			}
			return sa
		},
		Finalize: func(state any) any {
			set, _ := state.(map[any]struct{})
			out := make([]any, 0, len(set))
			for k := range set {
				out = append(out, k)
			}
			return out
		},
	})

	return r
}

type avgState struct {
	sum   float64
	count int64
}

func (r *Registry) register(name string, p Protocol) {
	r.byName[name] = p
	streaming := p.StreamingName
	if streaming == "" {
		streaming = name
	}
	r.byStreamingName[streaming] = p
}

// LookupStreaming resolves a Protocol by its already-substituted
// streaming name (the name stored in a RewrittenQuery's Aggregates,
// spec.md §4.9 step 2's "find the Aggref producing the matrel
// attribute"), used by the worker and combiner to drive transition/
// combine/finalize without re-deriving the substitution.
func (r *Registry) LookupStreaming(streamingName string) (Protocol, error) {
	p, ok := r.byStreamingName[streamingName]
	if !ok {
		return Protocol{}, types.NewLookupMissError(streamingName)
	}
	return p, nil
}

// Lookup resolves the streaming protocol for a SQL aggregate name and
// its DISTINCT flag, applying spec.md §4.4 step 4's substitution
// table. A bare name is returned for count/sum/min/max, which need no
// substitution.
func (r *Registry) Lookup(name string, distinct bool) (Protocol, string, error) {
	key := name
	if distinct {
		key = name + "_distinct"
	}
	p, ok := r.byName[key]
	if !ok {
		return Protocol{}, "", types.NewLookupMissError(key)
	}
	streaming := p.StreamingName
	if streaming == "" {
		streaming = name
	}
	return p, streaming, nil
}

func asInt64(v any) int64 {
	n, _ := v.(int64)
	return n
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// less orders two aggregate argument values for min/max, comparing
// numerically when both sides parse as numbers and falling back to a
// string comparison otherwise — arguments arrive as the dynamically
// typed values the host coerced out of a stream tuple, so no single
// static type can be assumed.
func less(a, b any) bool {
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa < fb
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
