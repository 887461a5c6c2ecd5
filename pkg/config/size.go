package config

import (
	"gopkg.in/yaml.v3"

	"github.com/dustin/go-humanize"
)

// ByteSize is a uint64 value that unmarshals from either a human-friendly
// string ("256 MB") or a plain numeric byte count.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	value, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return err
	}
	*s = ByteSize(value)
	return nil
}
