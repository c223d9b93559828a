// Package canonical produces stable, comparable encodings of argument values
// so that two filter or order expressions with equal content yield equal keys.
package canonical

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotCanonical is returned for values that have no stable encoding.
var ErrNotCanonical = errors.New("value has no canonical form")

// Canonicaler is implemented by caller types that provide their own stable
// encoding, e.g. prebuilt predicates that are otherwise opaque.
type Canonicaler interface {
	Canonical() string
}

const maxDepth = 32

// Encode returns the canonical encoding of v. Every integer kind shares one
// tag, map keys are sorted, and pointers are followed. Named map, slice and
// array types carry their type name, so sq.Eq and sq.Gt with equal content
// encode differently.
func Encode(v any) (string, error) {
	var b strings.Builder
	if err := encode(&b, reflect.ValueOf(v), 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

var timeType = reflect.TypeOf(time.Time{})

func encode(b *strings.Builder, v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrNotCanonical, maxDepth)
	}
	if !v.IsValid() {
		b.WriteString("n")
		return nil
	}
	if v.CanInterface() {
		if c, ok := v.Interface().(Canonicaler); ok {
			if v.Kind() == reflect.Pointer && v.IsNil() {
				b.WriteString("n")
				return nil
			}
			writeFramed(b, 'c', c.Canonical())
			return nil
		}
	}
	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		writeFramed(b, 't', t.UTC().Format(time.RFC3339Nano))
		return nil
	}

	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		if t := v.Type(); t.Name() != "" {
			writeFramed(b, 'T', t.PkgPath()+"."+t.Name())
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("b1")
		} else {
			b.WriteString("b0")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeFramed(b, 'i', strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u <= math.MaxInt64 {
			writeFramed(b, 'i', strconv.FormatUint(u, 10))
		} else {
			writeFramed(b, 'u', strconv.FormatUint(u, 10))
		}
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite float", ErrNotCanonical)
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			writeFramed(b, 'i', strconv.FormatInt(int64(f), 10))
		} else {
			writeFramed(b, 'f', strconv.FormatFloat(f, 'g', -1, 64))
		}
	case reflect.String:
		writeFramed(b, 's', v.String())
	case reflect.Slice:
		if v.IsNil() {
			b.WriteString("n")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			writeFramed(b, 's', string(v.Bytes()))
			return nil
		}
		return encodeList(b, v, depth)
	case reflect.Array:
		return encodeList(b, v, depth)
	case reflect.Map:
		return encodeMap(b, v, depth)
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			b.WriteString("n")
			return nil
		}
		return encode(b, v.Elem(), depth+1)
	default:
		return fmt.Errorf("%w: unsupported kind %s (%s)", ErrNotCanonical, v.Kind(), v.Type())
	}
	return nil
}

func encodeList(b *strings.Builder, v reflect.Value, depth int) error {
	b.WriteString("l")
	b.WriteString(strconv.Itoa(v.Len()))
	b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if err := encode(b, v.Index(i), depth+1); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeMap(b *strings.Builder, v reflect.Value, depth int) error {
	if v.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("%w: map key type %s", ErrNotCanonical, v.Type().Key())
	}
	if v.IsNil() {
		b.WriteString("n")
		return nil
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	b.WriteString("m")
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteByte('{')
	for _, k := range keys {
		writeFramed(b, 'k', k)
		if err := encode(b, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())), depth+1); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// writeFramed writes a length-prefixed token so adjacent values cannot alias.
func writeFramed(b *strings.Builder, tag byte, s string) {
	b.WriteByte(tag)
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
