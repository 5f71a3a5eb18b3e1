package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ByteSize is a byte count written as a plain number or with a K, M or G
// suffix ("512K", "64M").
type ByteSize uint64

const (
	KB ByteSize = 1 << 10
	MB ByteSize = 1 << 20
	GB ByteSize = 1 << 30
)

func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, fmt.Errorf("config: empty size")
	}
	mult := ByteSize(1)
	switch s[len(s)-1] {
	case 'K':
		mult = KB
	case 'M':
		mult = MB
	case 'G':
		mult = GB
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: bad size %q: %w", s, err)
	}
	return ByteSize(n) * mult, nil
}

func (b ByteSize) String() string {
	switch {
	case b != 0 && b%GB == 0:
		return fmt.Sprintf("%dG", b/GB)
	case b != 0 && b%MB == 0:
		return fmt.Sprintf("%dM", b/MB)
	case b != 0 && b%KB == 0:
		return fmt.Sprintf("%dK", b/KB)
	}
	return strconv.FormatUint(uint64(b), 10)
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.UnmarshalText([]byte(s))
}

// Duration reads "250ms" style values.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
