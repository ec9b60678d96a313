package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationNotFound is returned by File.Find for unknown names.
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrUnsupportedFormat is returned for files that are neither TOML nor YAML.
	ErrUnsupportedFormat = errors.New("unsupported launch file format")
)

// ParseError represents an error while parsing a launch file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Line is the line number where the error occurred (if available).
	Line int
	// Column is the column number where the error occurred (if available).
	Column int
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError names the configuration and field that failed validation.
type ValidationError struct {
	Configuration string
	Field         string
	Message       string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Configuration == "" {
		return fmt.Sprintf("%s %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration %q: %s %s", e.Configuration, e.Field, e.Message)
}
