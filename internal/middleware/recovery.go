// Package middleware provides small goroutine-lifecycle helpers shared by
// the freeze and thaw workers' bounded-concurrency fan-out, so a panic in
// one cell's drain or one fragment's transfer cannot take the whole
// worker process down with it.
package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Recover is deferred at the top of a fire-and-forget worker goroutine
// (one with no error to report back, such as freeze's per-cell drain
// goroutine). It logs a recovered panic with a stack trace tagged by op
// and lets the caller's loop continue.
func Recover(logger *logrus.Entry, op string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"op":    op,
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("recovered from panic")
	}
}

// RecoverInto is deferred at the top of an errgroup.Go closure. A
// recovered panic is logged the same way as Recover and turned into an
// error written to *errOut, so the owning errgroup still reports failure
// for that fragment instead of silently treating the goroutine as
// having succeeded.
func RecoverInto(logger *logrus.Entry, op string, errOut *error) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"op":    op,
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("recovered from panic")
		*errOut = fmt.Errorf("%s: panic: %v", op, r)
	}
}
