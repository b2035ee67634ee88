// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidWorkers     = errors.New("invalid worker count")
	ErrInvalidMaxActors   = errors.New("invalid max actors")
	ErrInvalidMailboxSize = errors.New("invalid mailbox size")
	ErrInvalidGroup       = errors.New("invalid group configuration")
	ErrInvalidRemote      = errors.New("invalid remote configuration")
	ErrInvalidDumping     = errors.New("invalid dumping configuration")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrConfigParseError   = errors.New("configuration parse error")
	ErrUnsupportedFormat  = errors.New("unsupported configuration format")
	ErrConfigWatchError   = errors.New("configuration watch error")
)
