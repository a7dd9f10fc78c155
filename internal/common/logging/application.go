package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureApplicationLogging sets up the standard logrus logger for a long-running process. Console output always
// goes to stdout; if enabled, a second copy goes to a rotated log file. Each sink filters on its own level. Log lines
// are also counted per level in log_messages_total on the default Prometheus registry.
func ConfigureApplicationLogging(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	consoleLevel, _ := parseLogLevel(config.Console.Level)
	hooks := log.LevelHooks{}
	addHook(hooks, &writerHook{writer: os.Stdout, level: consoleLevel, formatter: formatterFor(config.Console.Format)})
	loggerLevel := consoleLevel

	if config.File.Enabled {
		fileLevel, _ := parseLogLevel(config.File.Level)
		rotated := &lumberjack.Logger{
			Filename:   config.File.LogFile,
			MaxSize:    config.File.Rotation.MaxSizeMb,
			MaxBackups: config.File.Rotation.MaxBackups,
			MaxAge:     config.File.Rotation.MaxAgeDays,
			Compress:   config.File.Rotation.Compress,
		}
		addHook(hooks, &writerHook{writer: rotated, level: fileLevel, formatter: formatterFor(config.File.Format)})
		if fileLevel > loggerLevel {
			loggerLevel = fileLevel
		}
	}

	counter, err := promrus.NewPrometheusHook()
	if err != nil {
		return errors.Wrap(err, "registering log message counter")
	}
	addHook(hooks, counter)

	log.SetOutput(io.Discard)
	log.SetLevel(loggerLevel)
	log.StandardLogger().ReplaceHooks(hooks)
	return nil
}

// ConfigureCommandLineLogging sets up logging for short-lived CLI commands, where only the message matters.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}

func addHook(hooks log.LevelHooks, hook log.Hook) {
	for _, level := range hook.Levels() {
		hooks[level] = append(hooks[level], hook)
	}
}

func formatterFor(format string) log.Formatter {
	switch format {
	case FormatJson:
		return &log.JSONFormatter{TimestampFormat: RFC3339Milli}
	case FormatColourful:
		return &log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli}
	default:
		return &log.TextFormatter{DisableColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli}
	}
}

// writerHook writes every entry at or above level to writer using its own formatter.
type writerHook struct {
	writer    io.Writer
	level     log.Level
	formatter log.Formatter
}

func (h *writerHook) Levels() []log.Level {
	return log.AllLevels[:h.level+1]
}

func (h *writerHook) Fire(entry *log.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(b)
	return err
}
