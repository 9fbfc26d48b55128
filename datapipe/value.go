package datapipe

import "fmt"

// Kind tags the representation carried by a Value.
type Kind uint8

const (
	// KindNothing is the zero Value; event-only pipes that never cache also
	// read as nothing.
	KindNothing Kind = iota
	// KindInt is a plain integer scalar
	KindInt
	// KindBool is a boolean scalar
	KindBool
	// KindEnum is an integer-backed enumeration scalar
	KindEnum
	// KindRef is a borrowed reference to an out-of-band buffer (input event,
	// string, ...) whose owner is the caller of the write, not the pipe
	KindRef
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindNothing:
		return "nothing"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindEnum:
		return "enum"
	case KindRef:
		return "ref"
	default:
		return "invalid"
	}
}

// Value is the tagged union flowing through pipes. Scalar kinds live in the
// numeric slot and allocate nothing; KindRef borrows the referenced buffer
// for the duration of the write.
type Value struct {
	kind Kind
	num  int64
	ref  any
}

// Nothing returns the empty value.
func Nothing() Value {
	return Value{}
}

// Int builds an integer value.
func Int(v int) Value {
	return Value{kind: KindInt, num: int64(v)}
}

// Bool builds a boolean value.
func Bool(v bool) Value {
	var n int64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Enum builds an enumeration value from any integer-backed enum type.
func Enum[T ~int](v T) Value {
	return Value{kind: KindEnum, num: int64(v)}
}

// Ref builds a borrowed-reference value. The pipe never takes ownership of
// the referenced data.
func Ref(r any) Value {
	return Value{kind: KindRef, ref: r}
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Int returns the integer payload; zero for non-integer kinds.
func (v Value) Int() int {
	if v.kind != KindInt && v.kind != KindEnum {
		return 0
	}
	return int(v.num)
}

// Bool returns the boolean payload; false for non-boolean kinds.
func (v Value) Bool() bool {
	return v.kind == KindBool && v.num != 0
}

// Ref returns the borrowed reference; nil for non-reference kinds.
func (v Value) Ref() any {
	if v.kind != KindRef {
		return nil
	}
	return v.ref
}

// EnumOf converts an enum value back to its typed form; the zero enum value
// for non-enum kinds.
func EnumOf[T ~int](v Value) T {
	if v.kind != KindEnum && v.kind != KindInt {
		return T(0)
	}
	return T(v.num)
}

// Equal reports whether two values carry the same kind and payload.
// Reference values compare by identity of the referenced data.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindRef {
		return v.ref == o.ref
	}
	return v.num == o.num
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindNothing:
		return "<nothing>"
	case KindInt, KindEnum:
		return fmt.Sprintf("%d", v.num)
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindRef:
		return fmt.Sprintf("ref(%T)", v.ref)
	default:
		return "<invalid>"
	}
}
