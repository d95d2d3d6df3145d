package config

import (
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "addr: :8080\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.json", `{ "addr": ":8080", "models_dir": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.toml", "addr=:8080\nmodels_dir\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestLoad_BadByteSize(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "cache:\n  limit: lots\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected byte size error")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"margin":         func(c *Config) { c.SafetyMargin = 1 },
		"strategy":       func(c *Config) { c.Strategy = "worst_fit" },
		"thresholds":     func(c *Config) { c.Pressure.Levels.High = 0.5 },
		"log format":     func(c *Config) { c.LogFormat = "xml" },
		"no host":        func(c *Config) { c.Devices = c.Devices[1:] },
		"duplicate":      func(c *Config) { c.Devices = append(c.Devices, c.Devices[1]) },
		"bad kind":       func(c *Config) { c.Devices[1].Kind = "tpu" },
		"zero capacity":  func(c *Config) { c.Devices[1].Capacity = 0 },
		"host kind":      func(c *Config) { c.Devices[0].Kind = "discrete" },
		"default device": func(c *Config) { c.DefaultDevice = "gpu7" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Defaults()
			c.Devices = append([]Device(nil), c.Devices...)
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestByteSizeForms(t *testing.T) {
	cases := map[string]uint64{
		"1024":   1024,
		"1k":     1 << 10,
		"512m":   512 << 20,
		"8GiB":   8 << 30,
		"1.5 GB": 3 << 29,
	}
	for in, want := range cases {
		var b ByteSize
		if err := b.UnmarshalText([]byte(in)); err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if b.Bytes() != want {
			t.Fatalf("%q = %d, want %d", in, b, want)
		}
	}
}
