// Package codec encodes checkpoint state maps into their canonical stored form.
//
// State is CBOR with canonical (sorted) map keys so the same map always yields
// the same bytes. CBOR keeps byte strings distinct from text, which the
// checkpoint validator relies on when it checks that worker-state blobs are
// binary. Integers always decode as int64, nested maps as map[string]any and
// lists as []any.
//
// EncodeState only returns bytes that DecodeState accepts. Values without a
// lossless decoded form (time.Time, maps with non-string keys, unsigned
// integers above MaxInt64) are rejected at encode time.
package codec

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build decoder: %v", err))
	}
}

var timeType = reflect.TypeOf(time.Time{})

// EncodeState returns the canonical encoding of state. A nil map encodes as an empty map.
func EncodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	if err := rejectTimes(reflect.ValueOf(state), "state"); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(state)
	if err != nil {
		return nil, err
	}
	if _, err := DecodeState(data); err != nil {
		return nil, fmt.Errorf("codec: state does not decode back: %w", err)
	}
	return data, nil
}

// rejectTimes fails on any time.Time reachable from v; the encoder would
// flatten it to whole seconds.
func rejectTimes(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	if v.Type() == timeType {
		return fmt.Errorf("codec: %s: time values are not supported, store a string or an integer", path)
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return rejectTimes(v.Elem(), path)
	case reflect.Map:
		it := v.MapRange()
		for it.Next() {
			key := fmt.Sprint(it.Key())
			if err := rejectTimes(it.Key(), path+"."+key); err != nil {
				return err
			}
			if err := rejectTimes(it.Value(), path+"."+key); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := rejectTimes(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := rejectTimes(v.Field(i), path+"."+v.Type().Field(i).Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeState parses bytes produced by EncodeState.
func DecodeState(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
