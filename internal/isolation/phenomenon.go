package isolation

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Phenomenon is a named concurrency anomaly a transaction can observe.
// The zero value means no phenomenon.
type Phenomenon int

const (
	// None is the absence of a phenomenon.
	None Phenomenon = iota
	// DirtyRead observes another transaction's uncommitted write.
	DirtyRead
	// NonrepeatableRead sees a row change between two reads because another
	// transaction committed an update in between.
	NonrepeatableRead
	// PhantomRead sees a predicate's result set grow or shrink between two
	// reads because another transaction committed an insert or delete.
	PhantomRead
	// SerializationAnomaly is a joint outcome of committed concurrent
	// transactions that no serial order produces (write skew).
	SerializationAnomaly
)

// Phenomena lists every phenomenon the oracle classifies.
var Phenomena = []Phenomenon{DirtyRead, NonrepeatableRead, PhantomRead, SerializationAnomaly}

const numPhenomena = 4

// String returns the canonical name.
func (p Phenomenon) String() string {
	switch p {
	case None:
		return "None"
	case DirtyRead:
		return "DirtyRead"
	case NonrepeatableRead:
		return "NonrepeatableRead"
	case PhantomRead:
		return "PhantomRead"
	case SerializationAnomaly:
		return "SerializationAnomaly"
	default:
		return fmt.Sprintf("Phenomenon(%d)", int(p))
	}
}

// Valid reports whether p names a real phenomenon (None excluded).
func (p Phenomenon) Valid() bool {
	return p >= DirtyRead && p <= SerializationAnomaly
}

// ParsePhenomenon accepts canonical and snake_case names. "write_skew" is
// accepted as an alias for SerializationAnomaly.
func ParsePhenomenon(s string) (Phenomenon, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", " ", "", "-", "").Replace(strings.TrimSpace(s)))
	switch key {
	case "none", "":
		return None, nil
	case "dirtyread":
		return DirtyRead, nil
	case "nonrepeatableread":
		return NonrepeatableRead, nil
	case "phantomread", "phantom":
		return PhantomRead, nil
	case "serializationanomaly", "writeskew":
		return SerializationAnomaly, nil
	default:
		return None, fmt.Errorf("unknown phenomenon %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phenomenon) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phenomenon) UnmarshalText(text []byte) error {
	parsed, err := ParsePhenomenon(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Phenomenon) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return p.UnmarshalText([]byte(raw))
}
