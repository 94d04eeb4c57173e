package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// SentryOptions selects whether and where errors are reported.
type SentryOptions struct {
	Version     string
	Enabled     bool
	DSN         string
	Environment string
}

// InitSentry sets up error reporting. CALYPSO_AGENT_SENTRY=1 or 0 overrides
// opts.Enabled and CALYPSO_AGENT_SENTRY_DSN overrides opts.DSN. Reporting
// stays off without a DSN.
func InitSentry(opts SentryOptions) bool {
	switch os.Getenv("CALYPSO_AGENT_SENTRY") {
	case "1":
		opts.Enabled = true
	case "0":
		opts.Enabled = false
	}
	if dsn := os.Getenv("CALYPSO_AGENT_SENTRY_DSN"); dsn != "" {
		opts.DSN = dsn
	}
	if !opts.Enabled || opts.DSN == "" {
		return false
	}
	if opts.Environment == "" {
		opts.Environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Release:          "calypso-agent@" + opts.Version,
		Environment:      opts.Environment,
		AttachStacktrace: true,
	})
	if err != nil {
		Warn(CatSystem, "Failed to initialize Sentry", map[string]any{"error": err.Error()})
		return false
	}
	sentryEnabled = true
	return true
}

// SentryEnabled reports whether errors are being reported.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry waits for buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic reports a recovered panic with its stack.
func CapturePanic(panicValue any, stack []byte, context string) {
	if !sentryEnabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)
		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
			return
		}
		sentry.CaptureMessage(fmt.Sprint(panicValue))
	})
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err with context and extra data.
func CaptureError(err error, context string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
