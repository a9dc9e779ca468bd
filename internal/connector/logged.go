package connector

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Observer is notified after every command or upload completes.
type Observer func(hostname string, status Status)

// Logged wraps a connector so that every invocation is written to the log
// with the host identity, the command text, the status and both output
// streams.
func Logged(conn Connector, log logrus.FieldLogger, hostname string, observers ...Observer) Connector {
	return &logged{
		Connector: conn,
		log:       log.WithField("hostname", hostname),
		hostname:  hostname,
		observers: observers,
	}
}

type logged struct {
	Connector
	log       logrus.FieldLogger
	hostname  string
	observers []Observer
}

func (l *logged) Run(ctx context.Context, cmd string) (*Result, error) {
	res, err := l.Connector.Run(ctx, cmd)
	entry := l.log.WithFields(logrus.Fields{
		"host":    l.Connector.String(),
		"command": cmd,
	})
	if err != nil {
		entry.WithError(err).Error("command could not be started")
		return nil, err
	}
	entry.WithFields(logrus.Fields{
		"status": res.Status.String(),
		"stdout": strings.TrimSpace(res.Stdout),
		"stderr": strings.TrimSpace(res.Stderr),
	}).Info("command finished")
	l.notify(res.Status)
	return res, nil
}

func (l *logged) Upload(ctx context.Context, src, dst string) (*Result, error) {
	res, err := l.Connector.Upload(ctx, src, dst)
	entry := l.log.WithFields(logrus.Fields{
		"host":   l.Connector.String(),
		"upload": src + " -> " + dst,
	})
	if err != nil {
		entry.WithError(err).Error("upload could not be started")
		return nil, err
	}
	entry.WithFields(logrus.Fields{
		"status": res.Status.String(),
		"stdout": strings.TrimSpace(res.Stdout),
		"stderr": strings.TrimSpace(res.Stderr),
	}).Info("upload finished")
	l.notify(res.Status)
	return res, nil
}

func (l *logged) notify(status Status) {
	for _, o := range l.observers {
		o(l.hostname, status)
	}
}
