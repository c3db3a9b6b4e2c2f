// Package gguf reads and writes the metadata section of GGUF model files.
// Tensor data is never touched: the worker only needs architecture, vocab
// and projector keys to route a file to a backend and report it.
package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	magic          = "GGUF"
	Version uint32 = 3

	// maxStringLen guards against corrupt length prefixes.
	maxStringLen = 1 << 24
	maxArrayLen  = 1 << 24
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Header is the fixed GGUF preamble after the magic.
type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Metadata is the decoded key/value section.
type Metadata struct {
	Header Header
	KV     map[string]any
	// Keys preserves file order.
	Keys []string
}

// ErrNotGGUF reports a file without the GGUF magic.
var ErrNotGGUF = errors.New("gguf: bad magic")

// ReadFile decodes the metadata of the GGUF file at path.
func ReadFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes GGUF metadata from r, stopping before the tensor infos.
func Read(r io.Reader) (*Metadata, error) {
	br := bufio.NewReader(r)
	var m [4]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, fmt.Errorf("gguf: read magic: %w", err)
	}
	if string(m[:]) != magic {
		return nil, ErrNotGGUF
	}
	var h Header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("gguf: read header: %w", err)
	}
	if h.Version < 2 || h.Version > Version {
		return nil, fmt.Errorf("gguf: unsupported version %d", h.Version)
	}
	md := &Metadata{Header: h, KV: make(map[string]any, h.KVCount)}
	for i := uint64(0); i < h.KVCount; i++ {
		key, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("gguf: kv %d key: %w", i, err)
		}
		var vt ValueType
		if err := binary.Read(br, binary.LittleEndian, &vt); err != nil {
			return nil, fmt.Errorf("gguf: kv %q type: %w", key, err)
		}
		v, err := readValue(br, vt)
		if err != nil {
			return nil, fmt.Errorf("gguf: kv %q: %w", key, err)
		}
		md.KV[key] = v
		md.Keys = append(md.Keys, key)
	}
	return md, nil
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readValue(r io.Reader, vt ValueType) (any, error) {
	le := binary.LittleEndian
	switch vt {
	case TypeUint8:
		var v uint8
		err := binary.Read(r, le, &v)
		return v, err
	case TypeInt8:
		var v int8
		err := binary.Read(r, le, &v)
		return v, err
	case TypeUint16:
		var v uint16
		err := binary.Read(r, le, &v)
		return v, err
	case TypeInt16:
		var v int16
		err := binary.Read(r, le, &v)
		return v, err
	case TypeUint32:
		var v uint32
		err := binary.Read(r, le, &v)
		return v, err
	case TypeInt32:
		var v int32
		err := binary.Read(r, le, &v)
		return v, err
	case TypeUint64:
		var v uint64
		err := binary.Read(r, le, &v)
		return v, err
	case TypeInt64:
		var v int64
		err := binary.Read(r, le, &v)
		return v, err
	case TypeFloat32:
		var v float32
		err := binary.Read(r, le, &v)
		return v, err
	case TypeFloat64:
		var v float64
		err := binary.Read(r, le, &v)
		return v, err
	case TypeBool:
		var v uint8
		err := binary.Read(r, le, &v)
		return v != 0, err
	case TypeString:
		return readString(r)
	case TypeArray:
		var et ValueType
		if err := binary.Read(r, le, &et); err != nil {
			return nil, err
		}
		var n uint64
		if err := binary.Read(r, le, &n); err != nil {
			return nil, err
		}
		if n > maxArrayLen {
			return nil, fmt.Errorf("array length %d too large", n)
		}
		out := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := readValue(r, et)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value type %s", vt)
}

// String returns the string value at key.
func (m *Metadata) String(key string) (string, bool) {
	s, ok := m.KV[key].(string)
	return s, ok
}

// Uint returns an unsigned integer value at key, accepting any integer width.
func (m *Metadata) Uint(key string) (uint64, bool) {
	switch v := m.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

// Float returns a float value at key.
func (m *Metadata) Float(key string) (float64, bool) {
	switch v := m.KV[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// ArrayLen returns the length of the array at key.
func (m *Metadata) ArrayLen(key string) (int, bool) {
	a, ok := m.KV[key].([]any)
	return len(a), ok
}

// Architecture returns general.architecture, or "" when absent.
func (m *Metadata) Architecture() string {
	s, _ := m.String("general.architecture")
	return s
}

// KV is one entry for Write. Value must be a Go type with a GGUF mapping:
// uint8..uint64, int8..int64, float32, float64, bool, string, []string,
// []int32 or []float32.
type KV struct {
	Key   string
	Value any
}

// Write emits a GGUF file with the given metadata and no tensors.
func Write(w io.Writer, kvs []KV) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(bw, le, Header{Version: Version, KVCount: uint64(len(kvs))}); err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := writeString(bw, kv.Key); err != nil {
			return err
		}
		if err := writeValue(bw, kv.Value, true); err != nil {
			return fmt.Errorf("gguf: key %q: %w", kv.Key, err)
		}
	}
	return bw.Flush()
}

// WriteFile writes a metadata-only GGUF file at path.
func WriteFile(path string, kvs []KV) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, kvs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, v any, tagged bool) error {
	le := binary.LittleEndian
	tag := func(t ValueType) error {
		if !tagged {
			return nil
		}
		return binary.Write(w, le, t)
	}
	var t ValueType
	switch x := v.(type) {
	case uint8:
		t = TypeUint8
	case int8:
		t = TypeInt8
	case uint16:
		t = TypeUint16
	case int16:
		t = TypeInt16
	case uint32:
		t = TypeUint32
	case int32:
		t = TypeInt32
	case uint64:
		t = TypeUint64
	case int64:
		t = TypeInt64
	case float32:
		t = TypeFloat32
		if math.IsNaN(float64(x)) {
			return errors.New("NaN metadata value")
		}
	case float64:
		t = TypeFloat64
	case bool:
		if err := tag(TypeBool); err != nil {
			return err
		}
		var b uint8
		if x {
			b = 1
		}
		return binary.Write(w, le, b)
	case string:
		if err := tag(TypeString); err != nil {
			return err
		}
		return writeString(w, x)
	case []string:
		return writeArray(w, TypeString, len(x), tagged, func(i int) error { return writeString(w, x[i]) })
	case []int32:
		return writeArray(w, TypeInt32, len(x), tagged, func(i int) error { return binary.Write(w, le, x[i]) })
	case []float32:
		return writeArray(w, TypeFloat32, len(x), tagged, func(i int) error { return binary.Write(w, le, x[i]) })
	default:
		return fmt.Errorf("unsupported metadata type %T", v)
	}
	if err := tag(t); err != nil {
		return err
	}
	return binary.Write(w, le, v)
}

func writeArray(w io.Writer, et ValueType, n int, tagged bool, elem func(int) error) error {
	le := binary.LittleEndian
	if tagged {
		if err := binary.Write(w, le, TypeArray); err != nil {
			return err
		}
	}
	if err := binary.Write(w, le, et); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint64(n)); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := elem(i); err != nil {
			return err
		}
	}
	return nil
}
