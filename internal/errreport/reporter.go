// Package errreport is the single sink for errors that must not propagate,
// such as a failed job inside a worker.
package errreport

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/metrics"
)

// Reporter logs errors and optionally exits the process.
type Reporter struct {
	logger *slog.Logger
	exit   func(code int)
}

// New returns a Reporter that logs through logger (the component logger when
// nil) and exits with os.Exit.
func New(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = log.WithComponent("errreport")
	}
	return &Reporter{logger: logger, exit: os.Exit}
}

// WithExit replaces the exit function, mainly for tests.
func (r *Reporter) WithExit(exit func(code int)) *Reporter {
	r.exit = exit
	return r
}

// Report records err. Fatal errors are logged at error level, others at
// warn. When shouldExit is set the process exits with status 1 afterwards.
func (r *Reporter) Report(err error, fatal, shouldExit bool) {
	if err == nil {
		return
	}
	metrics.ErrorsReportedTotal.WithLabelValues(strconv.FormatBool(fatal)).Inc()

	if fatal {
		r.logger.Error("fatal error", "error", err)
	} else {
		r.logger.Warn("error", "error", err)
	}

	if shouldExit {
		r.exit(1)
	}
}
