package streamfdw

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pipelinedb/cq/internal/types"
)

// projectRow maps one inserting session's row onto the stream's
// declared tuple descriptor (spec.md §4.7 Scan): every declared
// column is coerced to its declared type, first through the direct
// cast graph, then through the slow textual round trip, and the
// reserved arrival_timestamp column is stamped with the insert time.
// Attributes the inserter did not supply project to nil; attributes
// the descriptor does not declare are dropped.
func projectRow(stream *types.Stream, row map[string]any, arrived time.Time) (map[string]any, error) {
	out := make(map[string]any, len(stream.Columns)+1)
	for _, col := range stream.Columns {
		name := col.Name.Raw()
		// An attribute the inserter did not supply projects to NULL,
		// represented as an absent key: the wire codec cannot carry a
		// typeless nil, and the worker reads absent as NULL anyway.
		v, ok := row[name]
		if !ok || v == nil {
			continue
		}
		coerced, err := coerce(v, col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", name)
		}
		out[name] = coerced
	}
	out[ArrivalColumn] = arrived
	return out, nil
}

// coerce converts v to the host type named by typ. The direct
// conversions below stand in for the host's cast graph; anything they
// cannot reach falls back to output_fn ∘ input_fn, i.e. rendering the
// value to text and re-parsing it as the target type.
func coerce(v any, typ string) (any, error) {
	switch normalizeType(typ) {
	case "int":
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return textRoundTrip(v, func(s string) (any, error) {
			n, err := strconv.ParseInt(s, 10, 64)
			return n, err
		})
	case "float":
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
		return textRoundTrip(v, func(s string) (any, error) {
			f, err := strconv.ParseFloat(s, 64)
			return f, err
		})
	case "bool":
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case int:
			return x != 0, nil
		}
		return textRoundTrip(v, func(s string) (any, error) {
			return strconv.ParseBool(s)
		})
	case "timestamptz":
		switch x := v.(type) {
		case time.Time:
			return x, nil
		}
		return textRoundTrip(v, func(s string) (any, error) {
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
			return nil, errors.Errorf("cannot parse %q as timestamptz", s)
		})
	case "text":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	default:
		// An unrecognized declared type passes through untouched; the
		// combiner's transition functions treat values as opaque.
		return v, nil
	}
}

// textRoundTrip renders v with its output function (fmt) and hands
// the text to the target type's input function.
func textRoundTrip(v any, input func(string) (any, error)) (any, error) {
	out, err := input(strings.TrimSpace(fmt.Sprint(v)))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot cast %T", v)
	}
	return out, nil
}

// normalizeType folds host type aliases onto the canonical names the
// cast graph above is keyed by.
func normalizeType(typ string) string {
	switch strings.ToLower(typ) {
	case "int", "integer", "int4", "int8", "bigint", "smallint":
		return "int"
	case "float", "float4", "float8", "real", "double precision", "numeric":
		return "float"
	case "bool", "boolean":
		return "bool"
	case "timestamptz", "timestamp", "timestamp with time zone":
		return "timestamptz"
	case "text", "varchar", "char", "character varying":
		return "text"
	default:
		return strings.ToLower(typ)
	}
}
