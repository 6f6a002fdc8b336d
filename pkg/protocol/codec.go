package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// lengthPrefixSize is the size of the big-endian body length that starts every frame.
const lengthPrefixSize = 4

// Encode serializes the message into a length-prefixed frame. Fields are
// written in ascending field id order.
func (m *Message) Encode() ([]byte, error) {
	if m.spec == nil || !m.spec.HasMessage(m.Name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, m.Name)
	}

	fields := make([]*Field, 0, len(m.values))
	for name := range m.values {
		f, ok := m.spec.lookup(m.Name, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %s", ErrUnknownField, m.Name, name)
		}
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })

	body := protowire.AppendString(nil, m.Name)
	for _, f := range fields {
		payload, err := encodeValue(f, m.values[f.Name])
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s.%s: %w", m.Name, f.Name, err)
		}
		body = protowire.AppendVarint(body, uint64(f.ID))
		body = append(body, byte(f.Type))
		body = protowire.AppendBytes(body, payload)
	}

	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s body of %d bytes", ErrMalformedMessage, m.Name, len(body))
	}
	frame := make([]byte, lengthPrefixSize, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...), nil
}

func encodeValue(f *Field, v any) ([]byte, error) {
	switch f.Type {
	case TypeBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt8:
		return []byte{byte(v.(int8))}, nil
	case TypeUint8:
		return []byte{v.(uint8)}, nil
	case TypeInt16:
		return binary.BigEndian.AppendUint16(nil, uint16(v.(int16))), nil
	case TypeUint16:
		return binary.BigEndian.AppendUint16(nil, v.(uint16)), nil
	case TypeInt32:
		return binary.BigEndian.AppendUint32(nil, uint32(v.(int32))), nil
	case TypeUint32:
		return binary.BigEndian.AppendUint32(nil, v.(uint32)), nil
	case TypeInt64:
		return binary.BigEndian.AppendUint64(nil, uint64(v.(int64))), nil
	case TypeUint64:
		return binary.BigEndian.AppendUint64(nil, v.(uint64)), nil
	case TypeString:
		s := v.(string)
		if !utf8.ValidString(s) {
			return nil, ErrEncoding
		}
		return []byte(s), nil
	case TypeBytes:
		return v.([]byte), nil
	case TypeList:
		var out []byte
		for _, item := range v.([]*Message) {
			frame, err := item.Encode()
			if err != nil {
				return nil, err
			}
			out = append(out, frame...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, f.Type)
	}
}

// Decode parses one frame produced by Encode. Field ids unknown to spec, or
// not declared for the message, are skipped. The frame must be consumed
// exactly.
func Decode(data []byte, spec *Spec) (*Message, error) {
	if len(data) < lengthPrefixSize {
		return nil, fmt.Errorf("%w: truncated length prefix (%d bytes)", ErrMalformedMessage, len(data))
	}
	declared := binary.BigEndian.Uint32(data)
	body := data[lengthPrefixSize:]
	if uint64(declared) != uint64(len(body)) {
		return nil, fmt.Errorf("%w: declared length %d, frame has %d", ErrMalformedMessage, declared, len(body))
	}

	nameBytes, n := protowire.ConsumeBytes(body)
	if n < 0 {
		return nil, fmt.Errorf("%w: bad message name: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	if !utf8.Valid(nameBytes) {
		return nil, fmt.Errorf("%w: message name", ErrEncoding)
	}
	body = body[n:]

	m := NewMessage(string(nameBytes), spec)
	for len(body) > 0 {
		id, n := protowire.ConsumeVarint(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad field id: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		body = body[n:]

		if len(body) == 0 {
			return nil, fmt.Errorf("%w: missing type tag for field %d", ErrMalformedMessage, id)
		}
		tag := FieldType(body[0])
		body = body[1:]

		payload, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad payload for field %d: %v", ErrMalformedMessage, id, protowire.ParseError(n))
		}
		body = body[n:]

		if id > math.MaxUint32 || !tag.Valid() {
			continue
		}
		f, ok := spec.lookupID(m.Name, uint32(id))
		if !ok {
			continue
		}
		if tag != f.Type {
			return nil, fmt.Errorf("%w: %s is %s on the wire, %s in schema", ErrMalformedMessage, f.Name, tag, f.Type)
		}
		v, err := decodeValue(f, payload, spec)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		m.values[f.Name] = v
	}

	return m, nil
}

func decodeValue(f *Field, payload []byte, spec *Spec) (any, error) {
	if w := f.Type.width(); w > 0 && len(payload) != w {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformedMessage, f.Type, len(payload), w)
	}

	switch f.Type {
	case TypeBool:
		return payload[0] != 0, nil
	case TypeInt8:
		return int8(payload[0]), nil
	case TypeUint8:
		return payload[0], nil
	case TypeInt16:
		return int16(binary.BigEndian.Uint16(payload)), nil
	case TypeUint16:
		return binary.BigEndian.Uint16(payload), nil
	case TypeInt32:
		return int32(binary.BigEndian.Uint32(payload)), nil
	case TypeUint32:
		return binary.BigEndian.Uint32(payload), nil
	case TypeInt64:
		return int64(binary.BigEndian.Uint64(payload)), nil
	case TypeUint64:
		return binary.BigEndian.Uint64(payload), nil
	case TypeString:
		if !utf8.Valid(payload) {
			return nil, ErrEncoding
		}
		return string(payload), nil
	case TypeBytes:
		return append([]byte{}, payload...), nil
	case TypeList:
		items := []*Message{}
		for len(payload) > 0 {
			if len(payload) < lengthPrefixSize {
				return nil, fmt.Errorf("%w: truncated list item", ErrMalformedMessage)
			}
			size := uint64(binary.BigEndian.Uint32(payload)) + lengthPrefixSize
			if size > uint64(len(payload)) {
				return nil, fmt.Errorf("%w: list item overruns field", ErrMalformedMessage)
			}
			item, err := Decode(payload[:size], spec)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			payload = payload[size:]
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, f.Type)
	}
}
