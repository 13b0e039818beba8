// Package decoder turns Zigbee2MQTT plug messages into readings. It does no
// I/O; arrival time is passed in by the caller.
package decoder

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"zpowergraph/internal/modules/power/types"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrOutOfRange       = errors.New("value out of range")
)

// Membership reports whether a device is tracked.
type Membership interface {
	Tracked(id string) bool
}

type Options struct {
	BaseTopic      string
	Format         Format
	PowerField     string
	EnergyField    string
	TimestampField string
	// EnergyScale converts the reported energy unit to watt-hours.
	EnergyScale float64
	ClockSkew   time.Duration
}

type Decoder struct {
	prefix  string
	opts    Options
	fields  []string
	devices Membership
}

func New(opts Options, devices Membership) (*Decoder, error) {
	if opts.Format == nil {
		opts.Format = JSONFormat{}
	}
	if opts.PowerField == "" {
		return nil, errors.New("decoder: power field is required")
	}
	if opts.EnergyScale == 0 {
		opts.EnergyScale = 1
	}
	if opts.EnergyScale < 0 || math.IsNaN(opts.EnergyScale) || math.IsInf(opts.EnergyScale, 0) {
		return nil, fmt.Errorf("decoder: invalid energy scale %v", opts.EnergyScale)
	}
	if opts.ClockSkew < 0 {
		return nil, fmt.Errorf("decoder: negative clock skew %v", opts.ClockSkew)
	}
	if devices == nil {
		return nil, errors.New("decoder: device membership is required")
	}

	fields := []string{opts.PowerField}
	if opts.EnergyField != "" {
		fields = append(fields, opts.EnergyField)
	}
	if opts.TimestampField != "" {
		fields = append(fields, opts.TimestampField)
	}

	return &Decoder{
		prefix:  strings.TrimRight(opts.BaseTopic, "/") + "/",
		opts:    opts,
		fields:  fields,
		devices: devices,
	}, nil
}

// DeviceID extracts the friendly name from topic, or ErrUnknownDevice when the
// topic is not a tracked device's state topic.
func (d *Decoder) DeviceID(topic string) (string, error) {
	id, ok := strings.CutPrefix(topic, d.prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: topic %q", ErrUnknownDevice, topic)
	}
	if !d.devices.Tracked(id) {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return id, nil
}

// Decode validates and converts one message. The returned reading keeps a copy
// of payload.
func (d *Decoder) Decode(topic string, payload []byte, receivedAt time.Time) (types.Reading, error) {
	id, err := d.DeviceID(topic)
	if err != nil {
		return types.Reading{}, err
	}
	if len(payload) == 0 {
		return types.Reading{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	vals, err := d.opts.Format.Extract(payload, d.fields)
	if err != nil {
		return types.Reading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	power, ok := vals[d.opts.PowerField]
	if !ok {
		return types.Reading{}, fmt.Errorf("%w: missing %q", ErrMalformedPayload, d.opts.PowerField)
	}
	if power.Kind != KindNumber {
		return types.Reading{}, fmt.Errorf("%w: %q is not a number", ErrMalformedPayload, d.opts.PowerField)
	}
	if err := checkNonNegative(d.opts.PowerField, power.Num); err != nil {
		return types.Reading{}, err
	}

	r := types.Reading{
		DeviceID:   id,
		Timestamp:  receivedAt.UTC().Truncate(time.Millisecond),
		PowerWatts: power.Num,
		RawPayload: append([]byte(nil), payload...),
	}

	if d.opts.EnergyField != "" {
		if v, ok := vals[d.opts.EnergyField]; ok && v.Kind != KindNull {
			if v.Kind != KindNumber {
				return types.Reading{}, fmt.Errorf("%w: %q is not a number", ErrMalformedPayload, d.opts.EnergyField)
			}
			if err := checkNonNegative(d.opts.EnergyField, v.Num); err != nil {
				return types.Reading{}, err
			}
			wh := v.Num * d.opts.EnergyScale
			if math.IsInf(wh, 0) {
				return types.Reading{}, fmt.Errorf("%w: %q overflows", ErrOutOfRange, d.opts.EnergyField)
			}
			r.EnergyWh = &wh
		}
	}

	if d.opts.TimestampField != "" {
		if v, ok := vals[d.opts.TimestampField]; ok && v.Kind != KindNull {
			ts, err := parseTimestamp(d.opts.TimestampField, v)
			if err != nil {
				return types.Reading{}, err
			}
			if ts.After(receivedAt.Add(d.opts.ClockSkew)) {
				return types.Reading{}, fmt.Errorf("%w: %q %s is ahead of arrival %s", ErrOutOfRange,
					d.opts.TimestampField, ts.Format(time.RFC3339Nano), receivedAt.UTC().Format(time.RFC3339Nano))
			}
			r.Timestamp = ts
		}
	}

	return r, nil
}

func checkNonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %q is not finite", ErrOutOfRange, field)
	}
	if v < 0 {
		return fmt.Errorf("%w: %q is negative (%v)", ErrOutOfRange, field, v)
	}
	return nil
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func parseTimestamp(field string, v Value) (time.Time, error) {
	switch v.Kind {
	case KindString:
		ts, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", ErrMalformedPayload, field, err)
		}
		return ts.UTC().Truncate(time.Millisecond), nil
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) || v.Num < 0 || v.Num > float64(math.MaxInt64/int64(time.Millisecond)) {
			return time.Time{}, fmt.Errorf("%w: %q epoch %v", ErrOutOfRange, field, v.Num)
		}
		return time.UnixMilli(int64(v.Num)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor epoch milliseconds", ErrMalformedPayload, field)
	}
}
