package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string // debug, info, warn, error
	Format string // json (CloudWatch) or text (local)
	File   string // optional rotating file, used by long-running workers
}

// Init configures the standard logrus logger and returns it.
func Init(opt Options) *logrus.Logger {
	l := logrus.StandardLogger()

	lvl, err := logrus.ParseLevel(strings.TrimSpace(opt.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(opt.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer = os.Stdout
	if opt.File != "" {
		_ = os.MkdirAll(filepath.Dir(opt.File), 0o755)
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opt.File,
			MaxSize:    100, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	l.SetOutput(out)
	return l
}

// Named returns an entry tagged with the component name.
func Named(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
