// Package instrument maps hedging instruments to the numeric ids persisted in
// the store and to the venue names used by the exchange bridge.
package instrument

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Instrument is a hedging instrument. The numeric value is what gets
// persisted; do not renumber existing members.
type Instrument int16

// Supported instruments.
const (
	BTCUSDSwap Instrument = 1
)

// nameRegex matches venue names: {BASE}-{QUOTE}-{KIND}
// Example: BTC-USD-SWAP
var nameRegex = regexp.MustCompile(`^([A-Z0-9]+)-([A-Z]+)-(SWAP|FUTURES)$`)

var (
	ErrInvalidName  = errors.New("instrument: invalid instrument name")
	ErrUnknown      = errors.New("instrument: unsupported instrument")
	ErrUnmappedID   = errors.New("instrument: unmapped instrument id")
	ErrNoDefinition = errors.New("instrument: no definition")
)

// Definition describes the static properties of an instrument.
type Definition struct {
	Name  string `json:"name"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
	Kind  string `json:"kind"`
}

var definitions = map[Instrument]Definition{
	BTCUSDSwap: {Name: "BTC-USD-SWAP", Base: "BTC", Quote: "USD", Kind: "SWAP"},
}

// Parse validates a venue instrument name and returns the matching member.
// Format: {BASE}-{QUOTE}-{KIND}
func Parse(name string) (Instrument, error) {
	if nameRegex.FindStringSubmatch(name) == nil {
		return 0, fmt.Errorf("%w: %s (expected {BASE}-{QUOTE}-{SWAP|FUTURES})", ErrInvalidName, name)
	}
	for inst, def := range definitions {
		if def.Name == name {
			return inst, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknown, name)
}

// FromID converts a persisted id back into an Instrument. An unknown id is a
// static configuration problem and callers treat it as fatal at startup.
func FromID(id int16) (Instrument, error) {
	inst := Instrument(id)
	if _, ok := definitions[inst]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnmappedID, id)
	}
	return inst, nil
}

// ID returns the persisted numeric id.
func (i Instrument) ID() int16 { return int16(i) }

// Definition returns the static description of the instrument.
func (i Instrument) Definition() (Definition, error) {
	def, ok := definitions[i]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %d", ErrNoDefinition, int16(i))
	}
	return def, nil
}

// String returns the venue name, or a placeholder for unmapped values.
func (i Instrument) String() string {
	if def, ok := definitions[i]; ok {
		return def.Name
	}
	return fmt.Sprintf("instrument(%d)", int16(i))
}

func (i Instrument) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

func (i *Instrument) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := Parse(name)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
