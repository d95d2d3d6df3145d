package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ByteSize accepts plain byte counts or binary-unit strings such as "8GiB",
// "512m" or "1.5 GB" (units are powers of 1024).
type ByteSize uint64

func (b ByteSize) Bytes() uint64 { return uint64(b) }

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return fmt.Errorf("byte size %q: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("byte size %q is negative", s)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error { return b.UnmarshalText([]byte(n.Value)) }

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.UnmarshalText([]byte(s))
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("byte size: %w", err)
	}
	*b = ByteSize(n)
	return nil
}

// Duration accepts Go duration strings ("30s", "1m30s"). Bare numbers in JSON
// and YAML are seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error { return d.UnmarshalText([]byte(n.Value)) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(data)
}
