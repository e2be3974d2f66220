package temporal

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   json.Marshaler
		want string
	}{
		{"string", New("21", epoch), `{"value":"21","lastUpdate":"2024-03-01 12:00:00"}`},
		{"float", New(21.5, epoch), `{"value":21.5,"lastUpdate":"2024-03-01 12:00:00"}`},
		{"bool", New(true, epoch), `{"value":true,"lastUpdate":"2024-03-01 12:00:00"}`},
		{"invalid", Invalid[string](), `null`},
		{
			"converted to utc",
			New("x", time.Date(2024, 3, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))),
			`{"value":"x","lastUpdate":"2024-03-01 12:00:00"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestMarshalJSONRejectsNaN(t *testing.T) {
	if _, err := json.Marshal(New(math.NaN(), epoch)); err == nil {
		t.Error("NaN should not encode")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	now := time.Now()

	t.Run("string", func(t *testing.T) {
		in := New("on", now)
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var out Value[string]
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if !Equal(in, out) {
			t.Errorf("round trip value = %v, want %v", out, in)
		}
		if d := out.LastUpdate().Sub(in.LastUpdate()); d > time.Second || d < -time.Second {
			t.Errorf("round trip timestamp drifted by %v", d)
		}
	})

	t.Run("whole float", func(t *testing.T) {
		in := New(21.0, now)
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var out Value[float64]
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if !Equal(in, out) {
			t.Errorf("round trip value = %v, want %v", out, in)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		var out Value[int64]
		if err := json.Unmarshal([]byte("null"), &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if out.IsValid() {
			t.Errorf("null decoded to %v, want invalid", out)
		}
	})
}

func TestUnmarshalJSONTimestampFallbacks(t *testing.T) {
	var millis Value[int64]
	if err := json.Unmarshal([]byte(`{"value":5,"lastUpdate":1709294400000}`), &millis); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !millis.LastUpdate().Equal(epoch) {
		t.Errorf("epoch millis timestamp = %v, want %v", millis.LastUpdate(), epoch)
	}

	before := time.Now()
	var garbage Value[string]
	if err := json.Unmarshal([]byte(`{"value":"x","lastUpdate":"yesterday"}`), &garbage); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if garbage.LastUpdate().Before(before) {
		t.Errorf("unparsable timestamp = %v, want now", garbage.LastUpdate())
	}
}

func TestUnmarshalJSONCastsPayload(t *testing.T) {
	var asText Value[string]
	if err := json.Unmarshal([]byte(`{"value":21,"lastUpdate":"2024-03-01 12:00:00"}`), &asText); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := asText.ValueOr(""); got != "21" {
		t.Errorf("Value[string] payload = %q, want 21", got)
	}

	var dynamic Value[any]
	if err := json.Unmarshal([]byte(`{"value":2.5,"lastUpdate":"2024-03-01 12:00:00"}`), &dynamic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got, _ := dynamic.Get(); got != any(2.5) {
		t.Errorf("Value[any] payload = %#v, want 2.5", got)
	}
}
