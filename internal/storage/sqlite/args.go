package sqlite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// marshalArgs encodes log arguments as a JSON array. Values JSON would
// lose or reject are stored as the text they render to.
func marshalArgs(args []any) ([]byte, error) {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = jsonArg(a)
	}
	return json.Marshal(out)
}

func jsonArg(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, int, json.Number:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return x
	case []byte:
		return fmt.Sprintf("%x", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonArg(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonArg(e)
		}
		return out
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

// unmarshalArgs decodes a stored argument array. Integral numbers come
// back as int64, the rest as float64.
func unmarshalArgs(data string) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	for i, a := range args {
		args[i] = number(a)
	}
	return args, nil
}

func number(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = number(e)
		}
	case map[string]any:
		for k, e := range x {
			x[k] = number(e)
		}
	}
	return v
}
