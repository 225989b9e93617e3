package isolation

import (
	"database/sql"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level is a transaction isolation level.
type Level int

const (
	// ReadCommitted takes a fresh snapshot for every statement.
	ReadCommitted Level = iota + 1
	// RepeatableRead reads from one snapshot for the whole transaction.
	RepeatableRead
	// Serializable behaves as if transactions ran one after another.
	Serializable
)

// Levels lists every modelled level, weakest first.
var Levels = []Level{ReadCommitted, RepeatableRead, Serializable}

const numLevels = 3

// String returns the canonical name of the level.
func (l Level) String() string {
	switch l {
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Key returns the snake_case name used in flags, scenario files and file
// names, e.g. "repeatable_read".
func (l Level) Key() string {
	switch l {
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("level_%d", int(l))
	}
}

// Valid reports whether l is one of the modelled levels.
func (l Level) Valid() bool {
	return l >= ReadCommitted && l <= Serializable
}

// SQL maps the level to the database/sql isolation constant.
func (l Level) SQL() sql.IsolationLevel {
	switch l {
	case ReadCommitted:
		return sql.LevelReadCommitted
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// ParseLevel accepts the canonical names as well as the snake_case and
// SQL spellings ("read_committed", "READ COMMITTED").
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", " ", "", "-", "").Replace(strings.TrimSpace(s)))
	switch key {
	case "readcommitted":
		return ReadCommitted, nil
	case "repeatableread":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid isolation level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return l.UnmarshalText([]byte(raw))
}
