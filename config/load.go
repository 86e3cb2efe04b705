package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Load reads and strictly decodes the configuration file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.NewConfigurationError("configuration", "cannot read file: "+err.Error(), path)
	}
	return Decode(bytes.NewReader(data))
}

// Decode strictly decodes a configuration file. Keys without a matching
// field are rejected.
func Decode(r io.Reader) (File, error) {
	var f File
	if err := toml.NewDecoder(r).Strict(true).Decode(&f); err != nil {
		return File{}, errors.NewConfigurationError("configuration", err.Error(), nil)
	}
	return f, nil
}

// ParseFlagBool parses boolean flags given as values ("--fp16 True").
// An empty value is false.
func ParseFlagBool(flag, value string) (bool, error) {
	if strings.TrimSpace(value) == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.NewConfigurationError(flag, "not a boolean", value)
	}
	return b, nil
}
