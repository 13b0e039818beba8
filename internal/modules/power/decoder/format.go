package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind tells how a payload field was encoded.
type Kind int

const (
	KindNumber Kind = iota + 1
	KindString
	KindNull
	KindOther
)

// Value is one extracted payload field.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
}

// Format turns a raw payload into field values. Fields not present in the
// payload are left out of the result.
type Format interface {
	Name() string
	Extract(payload []byte, fields []string) (map[string]Value, error)
}

// FormatByName returns the payload format for a PAYLOAD_FORMAT setting.
func FormatByName(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONFormat{}, nil
	case "kv":
		return KVFormat{}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", name)
	}
}

// JSONFormat reads a JSON object. Field names may be dotted paths into nested
// objects ("data.power").
type JSONFormat struct{}

func (JSONFormat) Name() string { return "json" }

func (JSONFormat) Extract(payload []byte, fields []string) (map[string]Value, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if obj == nil {
		return nil, errors.New("json: payload is not an object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("json: trailing data after object")
	}

	out := make(map[string]Value, len(fields))
	for _, f := range fields {
		raw, ok := lookup(obj, f)
		if !ok {
			continue
		}
		v, err := jsonValue(raw)
		if err != nil {
			return nil, fmt.Errorf("json field %q: %w", f, err)
		}
		out[f] = v
	}
	return out, nil
}

func lookup(obj map[string]any, path string) (any, bool) {
	if v, ok := obj[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := obj[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

func jsonValue(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case json.Number:
		// Overflow yields ±Inf, which the decoder reports as out of range.
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return Value{}, err
		}
		return Value{Kind: KindNumber, Num: f}, nil
	case string:
		return Value{Kind: KindString, Str: t}, nil
	default:
		return Value{Kind: KindOther}, nil
	}
}

// KVFormat reads "key=value" or "key:value" pairs separated by commas,
// semicolons or whitespace. Values that parse as numbers are numbers.
type KVFormat struct{}

func (KVFormat) Name() string { return "kv" }

func (KVFormat) Extract(payload []byte, fields []string) (map[string]Value, error) {
	pairs := make(map[string]string)
	tokens := strings.FieldsFunc(string(payload), func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(tokens) == 0 {
		return nil, errors.New("kv: empty payload")
	}
	for _, tok := range tokens {
		i := strings.IndexAny(tok, "=:")
		if i <= 0 {
			return nil, fmt.Errorf("kv: token %q is not key=value", tok)
		}
		pairs[tok[:i]] = tok[i+1:]
	}

	out := make(map[string]Value, len(fields))
	for _, f := range fields {
		s, ok := pairs[f]
		if !ok {
			continue
		}
		switch {
		case s == "" || strings.EqualFold(s, "null"):
			out[f] = Value{Kind: KindNull}
		default:
			if n, err := strconv.ParseFloat(s, 64); err == nil || errors.Is(err, strconv.ErrRange) {
				out[f] = Value{Kind: KindNumber, Num: n}
			} else {
				out[f] = Value{Kind: KindString, Str: s}
			}
		}
	}
	return out, nil
}
