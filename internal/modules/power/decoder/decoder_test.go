package decoder

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"
)

type deviceSet map[string]bool

func (s deviceSet) Tracked(id string) bool { return s[id] }

var arrival = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func newTestDecoder(t *testing.T, opts Options) *Decoder {
	t.Helper()
	if opts.BaseTopic == "" {
		opts.BaseTopic = "zigbee2mqtt"
	}
	if opts.PowerField == "" {
		opts.PowerField = "power"
	}
	d, err := New(opts, deviceSet{"plug-kitchen": true, "plug-office": true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDecode_PowerOnly(t *testing.T) {
	d := newTestDecoder(t, Options{EnergyField: "energy", EnergyScale: 1000})
	payload := []byte(`{"power": 42.5}`)

	r, err := d.Decode("zigbee2mqtt/plug-kitchen", payload, arrival)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.DeviceID != "plug-kitchen" {
		t.Errorf("DeviceID = %q", r.DeviceID)
	}
	if r.PowerWatts != 42.5 {
		t.Errorf("PowerWatts = %v, want 42.5", r.PowerWatts)
	}
	if r.EnergyWh != nil {
		t.Errorf("EnergyWh = %v, want nil", *r.EnergyWh)
	}
	if want := arrival.Truncate(time.Millisecond); !r.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, want)
	}
	if !bytes.Equal(r.RawPayload, payload) {
		t.Errorf("RawPayload = %q", r.RawPayload)
	}
	payload[2] = 'X'
	if r.RawPayload[2] == 'X' {
		t.Error("RawPayload must not alias the input buffer")
	}
}

func TestDecode_Deterministic(t *testing.T) {
	d := newTestDecoder(t, Options{EnergyField: "energy", EnergyScale: 1000})
	payload := []byte(`{"power": 12.25, "energy": 0.5}`)

	a, errA := d.Decode("zigbee2mqtt/plug-office", payload, arrival)
	b, errB := d.Decode("zigbee2mqtt/plug-office", payload, arrival)
	if errA != nil || errB != nil {
		t.Fatalf("Decode: %v, %v", errA, errB)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("decodes differ: %+v vs %+v", a, b)
	}
}

func TestDecode_Zigbee2MQTTPlugMessage(t *testing.T) {
	d := newTestDecoder(t, Options{EnergyField: "energy", EnergyScale: 1000, TimestampField: "last_seen", ClockSkew: 5 * time.Second})
	payload := []byte(`{"current":0.19,"energy":1.23,"linkquality":120,"power":23,"state":"ON","voltage":231,
		"device":{"friendlyName":"plug-office","model":"A1Z"},"last_seen":"2024-05-01T11:59:58.5Z"}`)

	r, err := d.Decode("zigbee2mqtt/plug-office", payload, arrival)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.PowerWatts != 23 {
		t.Errorf("PowerWatts = %v", r.PowerWatts)
	}
	if r.EnergyWh == nil || *r.EnergyWh != 1230 {
		t.Errorf("EnergyWh = %v, want 1230", r.EnergyWh)
	}
	want := time.Date(2024, 5, 1, 11, 59, 58, 500_000_000, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, want)
	}
}

func TestDecode_Errors(t *testing.T) {
	d := newTestDecoder(t, Options{EnergyField: "energy", EnergyScale: 1000, TimestampField: "ts", ClockSkew: 5 * time.Second})

	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{"negative power", "zigbee2mqtt/plug-kitchen", `{"power": -5}`, ErrOutOfRange},
		{"negative energy", "zigbee2mqtt/plug-kitchen", `{"power": 5, "energy": -0.1}`, ErrOutOfRange},
		{"huge power", "zigbee2mqtt/plug-kitchen", `{"power": 1e400}`, ErrOutOfRange},
		{"future timestamp", "zigbee2mqtt/plug-kitchen", `{"power": 1, "ts": "2024-05-01T12:00:06Z"}`, ErrOutOfRange},
		{"negative epoch", "zigbee2mqtt/plug-kitchen", `{"power": 1, "ts": -1}`, ErrOutOfRange},
		{"missing power", "zigbee2mqtt/plug-kitchen", `{"energy": 1}`, ErrMalformedPayload},
		{"power null", "zigbee2mqtt/plug-kitchen", `{"power": null}`, ErrMalformedPayload},
		{"power string", "zigbee2mqtt/plug-kitchen", `{"power": "42"}`, ErrMalformedPayload},
		{"energy string", "zigbee2mqtt/plug-kitchen", `{"power": 1, "energy": "lots"}`, ErrMalformedPayload},
		{"bad timestamp", "zigbee2mqtt/plug-kitchen", `{"power": 1, "ts": "yesterday"}`, ErrMalformedPayload},
		{"not json", "zigbee2mqtt/plug-kitchen", `power=1`, ErrMalformedPayload},
		{"array", "zigbee2mqtt/plug-kitchen", `[1,2]`, ErrMalformedPayload},
		{"json null", "zigbee2mqtt/plug-kitchen", `null`, ErrMalformedPayload},
		{"trailing data", "zigbee2mqtt/plug-kitchen", `{"power":1}{"power":2}`, ErrMalformedPayload},
		{"trailing bracket", "zigbee2mqtt/plug-kitchen", `{"power":1}]`, ErrMalformedPayload},
		{"trailing brace", "zigbee2mqtt/plug-kitchen", `{"power":1}}`, ErrMalformedPayload},
		{"empty", "zigbee2mqtt/plug-kitchen", ``, ErrMalformedPayload},
		{"untracked device", "zigbee2mqtt/plug-garage", `{"power": 1}`, ErrUnknownDevice},
		{"availability subtopic", "zigbee2mqtt/plug-kitchen/availability", `{"state":"online"}`, ErrUnknownDevice},
		{"bridge topic", "zigbee2mqtt/bridge/state", `{"power": 1}`, ErrUnknownDevice},
		{"other base", "homeassistant/plug-kitchen", `{"power": 1}`, ErrUnknownDevice},
		{"base only", "zigbee2mqtt/", `{"power": 1}`, ErrUnknownDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.topic, []byte(tt.payload), arrival)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecode_OptionalFields(t *testing.T) {
	d := newTestDecoder(t, Options{EnergyField: "energy", EnergyScale: 1000, TimestampField: "ts", ClockSkew: 5 * time.Second})

	tests := []struct {
		name       string
		payload    string
		wantEnergy *float64
		wantTS     time.Time
	}{
		{
			name:    "energy null is absent",
			payload: `{"power": 0, "energy": null}`,
			wantTS:  arrival.Truncate(time.Millisecond),
		},
		{
			name:       "zero energy is kept",
			payload:    `{"power": 0, "energy": 0}`,
			wantEnergy: ptr(0),
			wantTS:     arrival.Truncate(time.Millisecond),
		},
		{
			name:    "epoch millis",
			payload: `{"power": 1, "ts": 1714564799000}`,
			wantTS:  time.UnixMilli(1714564799000).UTC(),
		},
		{
			name:    "within skew",
			payload: `{"power": 1, "ts": "2024-05-01T12:00:04Z"}`,
			wantTS:  time.Date(2024, 5, 1, 12, 0, 4, 0, time.UTC),
		},
		{
			name:    "offset normalised to UTC",
			payload: `{"power": 1, "ts": "2024-05-01T13:30:00+02:00"}`,
			wantTS:  time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := d.Decode("zigbee2mqtt/plug-kitchen", []byte(tt.payload), arrival)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			switch {
			case tt.wantEnergy == nil && r.EnergyWh != nil:
				t.Errorf("EnergyWh = %v, want nil", *r.EnergyWh)
			case tt.wantEnergy != nil && (r.EnergyWh == nil || *r.EnergyWh != *tt.wantEnergy):
				t.Errorf("EnergyWh = %v, want %v", r.EnergyWh, *tt.wantEnergy)
			}
			if !r.Timestamp.Equal(tt.wantTS) {
				t.Errorf("Timestamp = %v, want %v", r.Timestamp, tt.wantTS)
			}
			if r.Timestamp.Location() != time.UTC {
				t.Errorf("Timestamp location = %v, want UTC", r.Timestamp.Location())
			}
		})
	}
}

func TestDecode_NestedField(t *testing.T) {
	d := newTestDecoder(t, Options{PowerField: "data.power"})

	r, err := d.Decode("zigbee2mqtt/plug-kitchen", []byte(`{"data":{"power":7.5}}`), arrival)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.PowerWatts != 7.5 {
		t.Errorf("PowerWatts = %v, want 7.5", r.PowerWatts)
	}
}

func TestDecode_KVFormat(t *testing.T) {
	d := newTestDecoder(t, Options{Format: KVFormat{}, EnergyField: "energy", EnergyScale: 1000})

	r, err := d.Decode("zigbee2mqtt/plug-kitchen", []byte("power=12.5; energy:0.5, state=ON"), arrival)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.PowerWatts != 12.5 {
		t.Errorf("PowerWatts = %v", r.PowerWatts)
	}
	if r.EnergyWh == nil || *r.EnergyWh != 500 {
		t.Errorf("EnergyWh = %v, want 500", r.EnergyWh)
	}

	for _, bad := range []string{"state=ON", "power", "power=abc", "   "} {
		if _, err := d.Decode("zigbee2mqtt/plug-kitchen", []byte(bad), arrival); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformedPayload", bad, err)
		}
	}
	if _, err := d.Decode("zigbee2mqtt/plug-kitchen", []byte("power=NaN"), arrival); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Decode(power=NaN) error = %v, want ErrOutOfRange", err)
	}
}

func TestNew_Validation(t *testing.T) {
	members := deviceSet{}
	tests := []struct {
		name string
		opts Options
	}{
		{"no power field", Options{BaseTopic: "z"}},
		{"negative scale", Options{BaseTopic: "z", PowerField: "power", EnergyScale: -1}},
		{"negative skew", Options{BaseTopic: "z", PowerField: "power", ClockSkew: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts, members); err == nil {
				t.Fatal("New: expected error")
			}
		})
	}
	if _, err := New(Options{PowerField: "power"}, nil); err == nil {
		t.Fatal("New with nil membership: expected error")
	}
}

func TestFormatByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "KV": "kv"} {
		f, err := FormatByName(name)
		if err != nil {
			t.Fatalf("FormatByName(%q): %v", name, err)
		}
		if f.Name() != want {
			t.Errorf("FormatByName(%q).Name() = %q, want %q", name, f.Name(), want)
		}
	}
	if _, err := FormatByName("xml"); err == nil {
		t.Error("FormatByName(xml): expected error")
	}
}

func ptr(v float64) *float64 { return &v }
