package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	FormatText      = "text"
	FormatColourful = "colourful"
	FormatJson      = "json"
)

var validLogFormats = map[string]bool{
	FormatText:      true,
	FormatColourful: true,
	FormatJson:      true,
}

// Config defines logging configuration.
type Config struct {
	// Defines configuration for console logging on stdout
	Console struct {
		// Log level, e.g. info, error etc
		Level string
		// Logging format: text, colourful or json
		Format string
	}
	// Defines configuration for file logging
	File struct {
		// Whether file logging is enabled.
		Enabled bool
		// Log level, e.g. info, error etc
		Level string
		// Logging format: text or json
		Format string
		// The location of the logfile on disk
		LogFile string
		// Log rotation options
		Rotation struct {
			// Maximum size in megabytes of the log file before it gets rotated
			MaxSizeMb int
			// Maximum number of old log files to retain
			MaxBackups int
			// Maximum number of days to retain old log files
			MaxAgeDays int
			// Whether to compress rotated log files
			Compress bool
		}
	}
}

// DefaultConfig logs info and above to stdout as text.
func DefaultConfig() Config {
	c := Config{}
	c.Console.Level = "info"
	c.Console.Format = FormatText
	return c
}

func (c Config) Validate() error {
	if _, err := parseLogLevel(c.Console.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}
	if !c.File.Enabled {
		return nil
	}
	if c.File.LogFile == "" {
		return errors.New("file.logFile must be set when file logging is enabled")
	}
	if _, err := parseLogLevel(c.File.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.File.Format); err != nil {
		return err
	}
	rotation := c.File.Rotation
	if rotation.MaxSizeMb <= 0 {
		return errors.New("rotation.maxSizeMb must be greater than zero")
	}
	if rotation.MaxBackups < 0 || rotation.MaxAgeDays < 0 {
		return errors.New("rotation.maxBackups and rotation.maxAgeDays must not be negative")
	}
	return nil
}

func validateLogFormat(f string) error {
	if _, ok := validLogFormats[f]; !ok {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s. Valid formats are %s", f, formats)
	}
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	l, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return log.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
