// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/kaspa-stratum/bridge/internal/bridge"
	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/stratum"
	"github.com/kaspa-stratum/bridge/internal/upstream"
)

// logRotator writes to stdout and, once initLogRotator has been
// called, to a size-capped rotating log file alongside it.
var logRotator *rotator.Rotator

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var backendLog = slog.NewBackend(logWriter{})

// Subsystem loggers, one per package that calls UseLogger. BRDG is the
// top-level main logger; BRID is the supervisor's (internal/bridge).
var (
	log       = backendLog.Logger("BRDG")
	jobsLog   = backendLog.Logger("JOBS")
	upstrLog  = backendLog.Logger("UPST")
	stratLog  = backendLog.Logger("STRM")
	bridgeLog = backendLog.Logger("BRID")
)

func init() {
	jobs.UseLogger(jobsLog)
	upstream.UseLogger(upstrLog)
	stratum.UseLogger(stratLog)
	bridge.UseLogger(bridgeLog)
}

// setLogLevels applies lvl to every subsystem logger.
func setLogLevels(lvl slog.Level) {
	for _, l := range []slog.Logger{log, jobsLog, upstrLog, stratLog, bridgeLog} {
		l.SetLevel(lvl)
	}
}

// initLogRotator opens (creating if necessary) the rotating log file
// at logFile, capped at 10 MiB per roll with up to 3 old rolls kept.
func initLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}
	logRotator = r
	return nil
}
