package protocol

import "fmt"

// FieldType is the wire type tag of a message field.
type FieldType uint8

const (
	TypeBool FieldType = iota + 1
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeString
	TypeBytes
	TypeList
)

var fieldTypeNames = map[FieldType]string{
	TypeBool:   "bool",
	TypeInt8:   "int8",
	TypeInt16:  "int16",
	TypeInt32:  "int32",
	TypeInt64:  "int64",
	TypeUint8:  "uint8",
	TypeUint16: "uint16",
	TypeUint32: "uint32",
	TypeUint64: "uint64",
	TypeString: "string",
	TypeBytes:  "bytes",
	TypeList:   "list",
}

// String returns the schema tag of the type.
func (ft FieldType) String() string {
	if name, ok := fieldTypeNames[ft]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", uint8(ft))
}

// Valid reports whether ft is a known type tag.
func (ft FieldType) Valid() bool {
	_, ok := fieldTypeNames[ft]
	return ok
}

// ParseFieldType converts a schema tag such as "uint32" into a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	for ft, name := range fieldTypeNames {
		if name == s {
			return ft, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type tag %q", ErrSchema, s)
}

// width returns the fixed payload size for numeric and bool types, 0 otherwise.
func (ft FieldType) width() int {
	switch ft {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32:
		return 4
	case TypeInt64, TypeUint64:
		return 8
	default:
		return 0
	}
}

// checkValue verifies that v is the Go representation of ft.
func (ft FieldType) checkValue(v any) bool {
	switch ft {
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeInt8:
		_, ok := v.(int8)
		return ok
	case TypeInt16:
		_, ok := v.(int16)
		return ok
	case TypeInt32:
		_, ok := v.(int32)
		return ok
	case TypeInt64:
		_, ok := v.(int64)
		return ok
	case TypeUint8:
		_, ok := v.(uint8)
		return ok
	case TypeUint16:
		_, ok := v.(uint16)
		return ok
	case TypeUint32:
		_, ok := v.(uint32)
		return ok
	case TypeUint64:
		_, ok := v.(uint64)
		return ok
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBytes:
		_, ok := v.([]byte)
		return ok
	case TypeList:
		_, ok := v.([]*Message)
		return ok
	default:
		return false
	}
}
