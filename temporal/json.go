package temporal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the wire format of lastUpdate, always in UTC.
const TimeLayout = "2006-01-02 15:04:05"

type envelope struct {
	Value      any    `json:"value"`
	LastUpdate string `json:"lastUpdate"`
}

type rawEnvelope struct {
	Value      json.RawMessage `json:"value"`
	LastUpdate json.RawMessage `json:"lastUpdate"`
}

// MarshalJSON encodes {"value": ..., "lastUpdate": "yyyy-MM-dd HH:mm:ss"}.
// Invalid values encode as null.
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if !v.valid {
		return []byte("null"), nil
	}

	var payload any
	switch x := any(v.value).(type) {
	case float64, float32, int64, int, int32, bool, string:
		payload = x
	default:
		payload = v.Text().value
	}

	data, err := json.Marshal(envelope{
		Value:      payload,
		LastUpdate: v.lastUpdate.UTC().Format(TimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding temporal value: %w", err)
	}

	return data, nil
}

// UnmarshalJSON decodes the envelope and casts the payload to T. The
// timestamp may also be given as epoch milliseconds; when it parses as
// neither the current time is used.
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Invalid[T]()
		return nil
	}

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding temporal value: %w", err)
	}

	at := parseLastUpdate(raw.LastUpdate)

	dynamic, err := decodeScalar(raw.Value, at)
	if err != nil {
		return err
	}

	*v = Cast[T](dynamic)

	return nil
}

func decodeScalar(data json.RawMessage, at time.Time) (Value[any], error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Invalid[any](), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var x any
	if err := dec.Decode(&x); err != nil {
		return Invalid[any](), fmt.Errorf("decoding temporal payload: %w", err)
	}

	switch val := x.(type) {
	case nil:
		return Invalid[any](), nil
	case json.Number:
		if !strings.ContainsAny(val.String(), ".eE") {
			if n, err := val.Int64(); err == nil {
				return New[any](n, at), nil
			}
		}
		f, err := val.Float64()
		if err != nil {
			return Invalid[any](), fmt.Errorf("decoding temporal number %q: %w", val, err)
		}

		return New[any](f, at), nil
	case bool, string:
		return New[any](val, at), nil
	default:
		return Invalid[any](), fmt.Errorf("unsupported temporal payload %s", string(data))
	}
}

func parseLastUpdate(data json.RawMessage) time.Time {
	text := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}

	if t, err := time.ParseInLocation(TimeLayout, text, time.UTC); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}

	slog.Warn("unparsable lastUpdate, using current time", "last_update", text)

	return time.Now()
}
