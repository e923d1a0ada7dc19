package hive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// MaxDepth limits object/array nesting accepted by ParseValue.
const MaxDepth = 1000

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
)

// Value is parsed JSON which keeps object member order.
// Upstream schema varies by miner software, so lookups are by structure, not by Go types.
// All accessors are nil-safe, missing path yields nil.
type Value struct {
	Kind  Kind
	Bool  bool
	Text  string   // number literal or string content
	Keys  []string // object member names, parallel to Items
	Items []*Value
}

func ParseValue(b []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, errors.Annotate(err, "json")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.NotValidf("json trailing data")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder, depth int) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return &Value{Kind: KindNull}, nil
	case bool:
		return &Value{Kind: KindBool, Bool: t}, nil
	case json.Number:
		return &Value{Kind: KindNumber, Text: t.String()}, nil
	case string:
		return &Value{Kind: KindString, Text: t}, nil
	case json.Delim:
		if depth >= MaxDepth {
			return nil, errors.NotValidf("json nesting depth")
		}
		switch t {
		case '{':
			v := &Value{Kind: KindObject}
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := ktok.(string)
				if !ok {
					return nil, errors.NotValidf("json object key=%v", ktok)
				}
				item, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Keys = append(v.Keys, key)
				v.Items = append(v.Items, item)
			}
			_, err = dec.Token() // }
			return v, err
		case '[':
			v := &Value{Kind: KindArray}
			for dec.More() {
				item, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Items = append(v.Items, item)
			}
			_, err = dec.Token() // ]
			return v, err
		}
	}
	return nil, errors.NotValidf("json token=%v", tok)
}

// Get returns object member by exact key, first one wins on duplicates.
func (v *Value) Get(key string) *Value {
	if v == nil || v.Kind != KindObject {
		return nil
	}
	for i, k := range v.Keys {
		if k == key {
			return v.Items[i]
		}
	}
	return nil
}

func (v *Value) Index(i int) *Value {
	if v == nil || v.Kind != KindArray || i < 0 || i >= len(v.Items) {
		return nil
	}
	return v.Items[i]
}

func (v *Value) Path(keys ...string) *Value {
	for _, k := range keys {
		v = v.Get(k)
	}
	return v
}

func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Items)
}

func (v *Value) IsNull() bool { return v == nil || v.Kind == KindNull }

// Float accepts numbers and decimal strings, rejects NaN and Inf.
func (v *Value) Float() (float64, bool) {
	if v == nil || (v.Kind != KindNumber && v.Kind != KindString) {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (v *Value) Int() (int64, bool) {
	f, ok := v.Float()
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Str returns string content, or number literal as is.
func (v *Value) Str() (string, bool) {
	if v == nil || (v.Kind != KindString && v.Kind != KindNumber) {
		return "", false
	}
	return v.Text, true
}

func (v *Value) Boolean() (bool, bool) {
	if v == nil {
		return false, false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool, true
	case KindNumber:
		f, ok := v.Float()
		return f != 0, ok
	case KindString:
		b, err := strconv.ParseBool(v.Text)
		return b, err == nil
	}
	return false, false
}

// Walk visits every object member and array element depth-first in document order.
// key is empty for array elements. Return false from fn to stop.
func (v *Value) Walk(fn func(key string, item *Value) bool) bool {
	if v == nil {
		return true
	}
	for i, item := range v.Items {
		key := ""
		if v.Kind == KindObject {
			key = v.Keys[i]
		}
		if !fn(key, item) {
			return false
		}
		if !item.Walk(fn) {
			return false
		}
	}
	return true
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return v.Text
	case KindString:
		return strconv.Quote(v.Text)
	case KindObject:
		ss := make([]string, len(v.Items))
		for i, item := range v.Items {
			ss[i] = strconv.Quote(v.Keys[i]) + ":" + item.String()
		}
		return "{" + strings.Join(ss, ",") + "}"
	case KindArray:
		ss := make([]string, len(v.Items))
		for i, item := range v.Items {
			ss[i] = item.String()
		}
		return "[" + strings.Join(ss, ",") + "]"
	}
	return fmt.Sprintf("<kind=%d>", v.Kind)
}
