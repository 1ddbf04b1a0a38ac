package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog    *logrus.Entry
	sipLog     *logrus.Entry
	audioLog   *logrus.Entry
	voicefxLog *logrus.Entry
	logFile    *lumberjack.Logger
)

// initLogging configures one logger per component. Console and file each
// get their own minimum level on top of the component level.
func initLogging(cfg *ini.File, sipMessages bool) {
	initLoggingTo(cfg, sipMessages, os.Stdout)
}

func initLoggingTo(cfg *ini.File, sipMessages bool, console io.Writer) {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("trunkphone.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	var sipHooks []logrus.Hook
	if !sipMessages {
		// filter out verbose SIP message dumps
		sipHooks = append(sipHooks, &sipMessageFilterHook{})
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, console, logFile)
	sipLog = newLogger("sip", toLogrusLevel(sec.Key("sip").MustInt(2)), consoleMin, fileMin, console, logFile, sipHooks...)
	audioLog = newLogger("audio", toLogrusLevel(sec.Key("audio").MustInt(2)), consoleMin, fileMin, console, logFile)
	voicefxLog = newLogger("voicefx", toLogrusLevel(sec.Key("voicefx").MustInt(2)), consoleMin, fileMin, console, logFile)
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if e.Level == filteredLevel {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

// newLogger builds a component logger. filters run before the writer hooks.
func newLogger(name string, level, consoleMin, fileMin logrus.Level, console, file io.Writer, filters ...logrus.Hook) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	for _, f := range filters {
		logger.AddHook(f)
	}
	logger.AddHook(&writerHook{Writer: console, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// filteredLevel marks entries the writer hooks must drop.
const filteredLevel = logrus.TraceLevel + 1

// sipMessageFilterHook suppresses logging of full SIP messages when disabled via configuration.
type sipMessageFilterHook struct{}

func (h *sipMessageFilterHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *sipMessageFilterHook) Fire(e *logrus.Entry) error {
	if isSIPDump(e.Message) {
		e.Level = filteredLevel
	}
	return nil
}

// isSIPDump matches the message dumps gosip writes at debug and trace level.
func isSIPDump(msg string) bool {
	for _, p := range []string{"received SIP message:", "sending SIP message:", "received message", "sending message"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}
