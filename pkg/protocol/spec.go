package protocol

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed spec.yaml
var defaultSchema []byte

// Field is a field definition shared by every message that declares it.
type Field struct {
	Name string
	ID   uint32
	Type FieldType
}

// Spec is a loaded message schema. It is immutable after Load and safe for
// concurrent use.
type Spec struct {
	ProtocolName    string
	ProtocolVersion string

	fieldsByName map[string]*Field
	fieldsByID   map[uint32]*Field
	messages     map[string][]*Field
	members      map[string]map[uint32]*Field
}

type schemaFile struct {
	Protocol struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"protocol"`
	Fields []struct {
		Name string `yaml:"name"`
		ID   uint32 `yaml:"id"`
		Type string `yaml:"type"`
	} `yaml:"fields"`
	Messages []struct {
		Name   string   `yaml:"name"`
		Fields []string `yaml:"fields"`
	} `yaml:"messages"`
}

// Load parses a YAML schema definition.
func Load(r io.Reader) (*Spec, error) {
	var raw schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	s := &Spec{
		ProtocolName:    raw.Protocol.Name,
		ProtocolVersion: raw.Protocol.Version,
		fieldsByName:    make(map[string]*Field, len(raw.Fields)),
		fieldsByID:      make(map[uint32]*Field, len(raw.Fields)),
		messages:        make(map[string][]*Field, len(raw.Messages)),
		members:         make(map[string]map[uint32]*Field, len(raw.Messages)),
	}
	if s.ProtocolName == "" {
		return nil, fmt.Errorf("%w: missing protocol name", ErrSchema)
	}

	for _, rf := range raw.Fields {
		if rf.Name == "" {
			return nil, fmt.Errorf("%w: field without name", ErrSchema)
		}
		if rf.ID == 0 {
			return nil, fmt.Errorf("%w: field %q has no id", ErrSchema, rf.Name)
		}
		ft, err := ParseFieldType(rf.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", rf.Name, err)
		}
		if _, dup := s.fieldsByName[rf.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrSchema, rf.Name)
		}
		if other, dup := s.fieldsByID[rf.ID]; dup {
			return nil, fmt.Errorf("%w: field %q reuses id %d of %q", ErrSchema, rf.Name, rf.ID, other.Name)
		}
		f := &Field{Name: rf.Name, ID: rf.ID, Type: ft}
		s.fieldsByName[f.Name] = f
		s.fieldsByID[f.ID] = f
	}

	for _, rm := range raw.Messages {
		if rm.Name == "" {
			return nil, fmt.Errorf("%w: message without name", ErrSchema)
		}
		if _, dup := s.messages[rm.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate message %q", ErrSchema, rm.Name)
		}
		fields := make([]*Field, 0, len(rm.Fields))
		members := make(map[uint32]*Field, len(rm.Fields))
		for _, name := range rm.Fields {
			f, ok := s.fieldsByName[name]
			if !ok {
				return nil, fmt.Errorf("%w: message %q references undefined field %q", ErrSchema, rm.Name, name)
			}
			if _, dup := members[f.ID]; dup {
				return nil, fmt.Errorf("%w: message %q declares field %q twice", ErrSchema, rm.Name, name)
			}
			members[f.ID] = f
			fields = append(fields, f)
		}
		s.messages[rm.Name] = fields
		s.members[rm.Name] = members
	}

	return s, nil
}

// LoadBytes parses a YAML schema held in memory.
func LoadBytes(data []byte) (*Spec, error) {
	return Load(bytes.NewReader(data))
}

var loadDefault = sync.OnceValues(func() (*Spec, error) {
	return LoadBytes(defaultSchema)
})

// DefaultSpec returns the embedded schema describing every message the
// engine exchanges. It panics if the embedded schema is invalid.
func DefaultSpec() *Spec {
	s, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("protocol: embedded schema: %v", err))
	}
	return s
}

// HasMessage reports whether the schema defines the named message.
func (s *Spec) HasMessage(name string) bool {
	_, ok := s.messages[name]
	return ok
}

// FieldType returns the type of field within message. The second result is
// false when the schema does not declare that combination.
func (s *Spec) FieldType(message, field string) (FieldType, bool) {
	f, ok := s.lookup(message, field)
	if !ok {
		return 0, false
	}
	return f.Type, true
}

// Fields returns the declared fields of message in schema order.
func (s *Spec) Fields(message string) []Field {
	fields := s.messages[message]
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = *f
	}
	return out
}

func (s *Spec) lookup(message, field string) (*Field, bool) {
	f, ok := s.fieldsByName[field]
	if !ok {
		return nil, false
	}
	if _, member := s.members[message][f.ID]; !member {
		return nil, false
	}
	return f, true
}

func (s *Spec) lookupID(message string, id uint32) (*Field, bool) {
	f, ok := s.members[message][id]
	return f, ok
}
