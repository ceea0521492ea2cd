// Package log wraps logrus with the gated wire-level tracing the rest of
// the module relies on: general log level is independent from whether
// individual sent/received peer messages are traced.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type Opts struct {
	LogSentMessages bool
	LogRecvMessages bool
}

var opts Opts

// Setup parses level and installs it, and records whether wire-level
// send/recv tracing should be emitted at debug level.
func Setup(level string, sentMsgs, recvMsgs bool) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse level: %w", err)
	}

	logrus.SetLevel(l)

	opts = Opts{
		LogSentMessages: sentMsgs,
		LogRecvMessages: recvMsgs,
	}

	return nil
}

func Sent(format string, args ...any) {
	if !opts.LogSentMessages {
		return
	}

	logrus.Debugf(format, args...)
}

func Recv(format string, args ...any) {
	if !opts.LogRecvMessages {
		return
	}

	logrus.Debugf(format, args...)
}

// Session returns a logger scoped to one peer endpoint, used for session
// lifecycle and protocol-error logging.
func Session(endpoint string) *logrus.Entry {
	return logrus.WithField("peer", endpoint)
}

// Piece returns a logger scoped to one piece index.
func Piece(index int) *logrus.Entry {
	return logrus.WithField("piece", index)
}
