package instrument

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	inst, err := Parse("BTC-USD-SWAP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst != BTCUSDSwap {
		t.Errorf("expected BTCUSDSwap, got %v", inst)
	}
	if inst.ID() != 1 {
		t.Errorf("expected persisted id 1, got %d", inst.ID())
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"BTC",
		"BTC-USD",
		"btc-usd-swap",
		"BTC-USD-PERP",
		"BTC_USD_SWAP",
	}
	for _, name := range tests {
		_, err := Parse(name)
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestParse_WellFormedButUnsupported(t *testing.T) {
	_, err := Parse("ETH-USD-SWAP")
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestFromID(t *testing.T) {
	inst, err := FromID(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst != BTCUSDSwap {
		t.Errorf("expected BTCUSDSwap, got %v", inst)
	}

	if _, err := FromID(42); !errors.Is(err, ErrUnmappedID) {
		t.Errorf("expected ErrUnmappedID, got %v", err)
	}
}

func TestDefinition(t *testing.T) {
	def, err := BTCUSDSwap.Definition()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Base != "BTC" || def.Quote != "USD" || def.Kind != "SWAP" {
		t.Errorf("unexpected definition: %+v", def)
	}
	if _, err := Instrument(9).Definition(); !errors.Is(err, ErrNoDefinition) {
		t.Errorf("expected ErrNoDefinition, got %v", err)
	}
}

func TestString_Unmapped(t *testing.T) {
	if got := Instrument(7).String(); got != "instrument(7)" {
		t.Errorf("expected placeholder name, got %s", got)
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	data, err := json.Marshal(BTCUSDSwap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"BTC-USD-SWAP"` {
		t.Errorf("expected venue name, got %s", data)
	}

	var inst Instrument
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if inst != BTCUSDSwap {
		t.Errorf("expected BTCUSDSwap, got %v", inst)
	}

	if err := json.Unmarshal([]byte(`"DOGE-USD-SWAP"`), &inst); err == nil {
		t.Error("expected error for unsupported instrument")
	}
}
