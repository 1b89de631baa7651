// Package dtypes defines the numeric element types understood by the kernels and the runtime.
//
// The enumeration follows the numeric type ids used by the GEMM operation tables, so a DType can be used
// directly as part of functional keys and problem signatures.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a tensor operand.
type DType int32

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
)

var dtypeNames = []string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// Aliases used in kernel names and by the CUTLASS-style numeric type ids.
var dtypeAliases = map[DType][]string{
	Bool:    {"pred"},
	Int8:    {"s8"},
	Int16:   {"s16"},
	Int32:   {"s32"},
	Int64:   {"s64"},
	Uint8:   {"u8"},
	Uint16:  {"u16"},
	Uint32:  {"u32"},
	Uint64:  {"u64"},
	Float16: {"f16", "half"},
	Float32: {"f32", "float"},
	Float64: {"f64", "double"},
}

// MapOfNames maps the names (and lower-case names and aliases) to the corresponding DType.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType)
	for dtype, name := range dtypeNames {
		if DType(dtype) == InvalidDType {
			continue
		}
		m[name] = DType(dtype)
		m[strings.ToLower(name)] = DType(dtype)
	}
	for dtype, aliases := range dtypeAliases {
		for _, alias := range aliases {
			m[alias] = dtype
			m[strings.ToUpper(alias)] = dtype
		}
	}
	return m
}()

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return fmt.Sprintf("DType(%d)", int32(dtype))
	}
	return dtypeNames[dtype]
}

// ShortName returns the short lower-case name used in kernel names (e.g. "f32"), or the lower-case String()
// for dtypes without one.
func (dtype DType) ShortName() string {
	if aliases := dtypeAliases[dtype]; len(aliases) > 0 {
		return aliases[0]
	}
	return strings.ToLower(dtype.String())
}

// IsValid returns whether the dtype is one of the known types, other than InvalidDType.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// Size returns the number of bytes of one element of the dtype, or 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// SizeForDimensions returns the number of bytes for an array of the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// GoType returns the Go reflect.Type used to hold one element of the dtype.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(false)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return reflect.TypeOf(float16.Float16(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	}
	return nil
}

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

// FromGenericsType returns the DType corresponding to the generic type T.
func FromGenericsType[T Supported]() DType {
	var zero T
	return FromAny(zero)
}

// FromAny returns the DType of the value, or InvalidDType if it is not a supported type.
func FromAny(value any) DType {
	switch value.(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}
