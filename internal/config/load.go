package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a launch file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// DefaultFileNames are searched, in order, by Discover.
var DefaultFileNames = []string{"dapctl.toml", "dapctl.yaml", "dapctl.yml", ".dapctl.toml"}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load reads, parses and validates a launch file.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading launch file %s: %w", path, err)
	}

	file, err := Parse(path, format, data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		file.Path = abs
	}
	return file, nil
}

// Parse decodes and validates launch file content. Unknown keys are rejected so typos in
// option names surface as errors instead of being ignored.
func Parse(source string, format Format, data []byte) (*File, error) {
	var file File

	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, tomlParseError(source, err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ParseError{Path: source, Message: err.Error(), Err: err}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if file.Version == 0 {
		file.Version = CurrentVersion
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	file.Path = source
	return &file, nil
}

func tomlParseError(source string, err error) error {
	perr := &ParseError{Path: source, Message: err.Error(), Err: err}

	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		perr.Line, perr.Column = decodeErr.Position()
	}
	var strictErr *toml.StrictMissingError
	if errors.As(err, &strictErr) && len(strictErr.Errors) > 0 {
		perr.Line, perr.Column = strictErr.Errors[0].Position()
		perr.Message = "unknown key " + strings.Join(strictErr.Errors[0].Key(), ".")
	}
	return perr
}

// Discover returns the first default launch file found in dir.
func Discover(dir string) (string, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no launch file in %s (looked for %s)", dir, strings.Join(DefaultFileNames, ", "))
}
