package jrnl

import "github.com/sirupsen/logrus"

// log is the package-level entry every component logs through,
// pre-fielded so journal-engine lines are easy to grep out of a
// process that embeds this package alongside unrelated subsystems.
var log = logrus.WithField("component", "jrnl")

// SetLogger replaces the underlying logrus logger used by this
// package, letting an embedding application route journal-engine logs
// into its own logrus instance/formatter/hooks instead of the default
// standard logger.
func SetLogger(l *logrus.Logger) {
	log = l.WithField("component", "jrnl")
}
