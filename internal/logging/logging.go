// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format selects the log encoding.
type Format string

// Log formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// New returns a logger writing to w at the named level. An empty level means
// info.
func New(w io.Writer, level string, format Format) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(w)

	switch format {
	case FormatJSON:
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   true,
			TimestampFormat: "15:04:05.000",
		})
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)

	return log, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
