package protocol

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Message is a named set of typed field values described by a Spec.
type Message struct {
	Name string

	spec   *Spec
	values map[string]any
}

// NewMessage creates an empty message bound to spec.
func NewMessage(name string, spec *Spec) *Message {
	return &Message{
		Name:   name,
		spec:   spec,
		values: make(map[string]any),
	}
}

// Build creates a message and sets every entry of values on it.
func Build(spec *Spec, name string, values map[string]any) (*Message, error) {
	if !spec.HasMessage(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, name)
	}
	m := NewMessage(name, spec)
	for field, v := range values {
		if err := m.Set(field, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Spec returns the schema the message is bound to.
func (m *Message) Spec() *Spec {
	return m.spec
}

// Set stores value under field. The field must be declared for the message
// and value must be the Go type of the field: bool, int8..int64,
// uint8..uint64, string, []byte or []*Message.
func (m *Message) Set(field string, value any) error {
	f, ok := m.spec.lookup(m.Name, field)
	if !ok {
		return fmt.Errorf("%w: %s has no field %s", ErrUnknownField, m.Name, field)
	}
	if !f.Type.checkValue(value) {
		return fmt.Errorf("%w: %s is %s, got %T", ErrTypeMismatch, field, f.Type, value)
	}
	m.values[field] = value
	return nil
}

// Get returns the raw value of field.
func (m *Message) Get(field string) (any, bool) {
	v, ok := m.values[field]
	return v, ok
}

// Has reports whether field is present.
func (m *Message) Has(field string) bool {
	_, ok := m.values[field]
	return ok
}

// Delete removes field from the message.
func (m *Message) Delete(field string) {
	delete(m.values, field)
}

// Len returns the number of present fields.
func (m *Message) Len() int {
	return len(m.values)
}

// FieldNames returns the present field names in sorted order.
func (m *Message) FieldNames() []string {
	names := make([]string, 0, len(m.values))
	for name := range m.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func get[T any](m *Message, field string) (T, bool) {
	v, ok := m.values[field].(T)
	return v, ok
}

// Bool returns the value of field if it is set and holds a bool. The typed
// getters below follow the same rule for their types.
func (m *Message) Bool(field string) (bool, bool) { return get[bool](m, field) }

// Int8 returns field as an int8.
func (m *Message) Int8(field string) (int8, bool) { return get[int8](m, field) }

// Int16 returns field as an int16.
func (m *Message) Int16(field string) (int16, bool) { return get[int16](m, field) }

// Int32 returns field as an int32.
func (m *Message) Int32(field string) (int32, bool) { return get[int32](m, field) }

// Int64 returns field as an int64.
func (m *Message) Int64(field string) (int64, bool) { return get[int64](m, field) }

// Uint8 returns field as a uint8.
func (m *Message) Uint8(field string) (uint8, bool) { return get[uint8](m, field) }

// Uint16 returns field as a uint16.
func (m *Message) Uint16(field string) (uint16, bool) { return get[uint16](m, field) }

// Uint32 returns field as a uint32.
func (m *Message) Uint32(field string) (uint32, bool) { return get[uint32](m, field) }

// Uint64 returns field as a uint64.
func (m *Message) Uint64(field string) (uint64, bool) { return get[uint64](m, field) }

// String returns field as a string.
func (m *Message) String(field string) (string, bool) { return get[string](m, field) }

// Bytes returns field as a byte sequence.
func (m *Message) Bytes(field string) ([]byte, bool) { return get[[]byte](m, field) }

// List returns field as a list of nested messages.
func (m *Message) List(field string) ([]*Message, bool) {
	return get[[]*Message](m, field)
}

// Equal reports whether both messages carry the same name and field values.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Name != other.Name || len(m.values) != len(other.values) {
		return false
	}
	for name, v := range m.values {
		ov, ok := other.values[name]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []*Message:
		bv, ok := b.([]*Message)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !av[i].Equal(bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Describe renders the message for logs. Password fields are redacted.
func (m *Message) Describe() string {
	var sb strings.Builder
	sb.WriteString(m.Name)
	sb.WriteByte('{')
	for i, name := range m.FieldNames() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		switch v := m.values[name].(type) {
		case []byte:
			fmt.Fprintf(&sb, "<%d bytes>", len(v))
		case []*Message:
			fmt.Fprintf(&sb, "<%d items>", len(v))
		default:
			if name == FieldUserPassword {
				sb.WriteString("<redacted>")
			} else {
				fmt.Fprintf(&sb, "%v", v)
			}
		}
	}
	sb.WriteByte('}')
	return sb.String()
}
