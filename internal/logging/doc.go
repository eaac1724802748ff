// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package logging provides centralized zerolog-based structured logging
// for the bitcalmd daemon.
//
// This package implements a unified logging layer using zerolog, providing
// zero-allocation structured JSON logging for production and human-readable
// console output for development.
//
// # Overview
//
// The package provides:
//   - Zero-allocation structured logging via zerolog
//   - JSON output format for production (machine-parseable)
//   - Console output format for development (human-readable)
//   - Global logger configuration through Init
//   - Context-aware logging with correlation ID propagation
//   - slog adapter for suture/v4 integration (internal/supervisor)
//   - Security-focused logging with sensitive data filtering
//
// # Quick Start
//
//	import "github.com/bitcalm/agent/internal/logging"
//
//	// Initialize at application startup
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Caller: false,
//	})
//
//	// Log messages with structured fields
//	logging.Info().Str("tag", "backup").Msg("action started")
//	logging.Error().Err(err).Msg("action failed")
//
//	// Context-aware logging
//	logging.Ctx(ctx).Info().Str("request_id", reqID).Msg("processing")
//
// # Configuration
//
// The package reads no LOG_* environment variables (the only variable it
// checks is FUZZ_MODE); level, format, caller and output are set through
// Init.
//
// Programmatic Configuration:
//
//	logging.Init(logging.Config{
//	    Level:     "debug",    // trace, debug, info, warn, error, fatal
//	    Format:    "console",  // json or console
//	    Caller:    true,       // Include caller info
//	    Timestamp: true,       // Include timestamps
//	    Output:    os.Stderr,  // Output writer
//	})
//
// # Log Levels
//
// Supported log levels (from most to least verbose):
//
//	trace  - Very detailed diagnostic information
//	debug  - Detailed diagnostic information
//	info   - General operational information (default)
//	warn   - Warning conditions that should be addressed
//	error  - Error conditions requiring attention
//	fatal  - Fatal errors that terminate the program
//	panic  - Panic conditions that crash the program
//
// # Structured Logging Best Practices
//
// Always terminate log chains with .Msg() or .Send():
//
//	logging.Info().Str("key", "value").Msg("message")  // Correct
//	logging.Info().Str("key", "value")                 // WRONG - log not emitted
//
// Use structured fields instead of string formatting:
//
//	// Good - structured, searchable, efficient
//	logging.Info().
//	    Str("tag", action.Tag).
//	    Dur("elapsed", duration).
//	    Msg("action completed")
//
//	// Avoid - unstructured, harder to parse
//	logging.Info().Msgf("action %s completed in %v", action.Tag, duration)
//
// # Component Loggers
//
// Create component-specific loggers with default fields:
//
//	workerLogger := logging.With().Str("component", "worker").Logger()
//	workerLogger.Info().Msg("starting")
//	workerLogger.Error().Err(err).Msg("worker crashed")
//
// # Context-Aware Logging
//
// Propagate request context through logging:
//
//	logger := logging.Ctx(ctx)
//	logger.Info().Msg("processing check_changes response")
//
// # slog Adapter
//
// NewSlogLogger / NewSlogLoggerWithLevel bridge to log/slog for
// thejerf/suture's sutureslog event hook (internal/supervisor.NewTree):
//
//	slogLogger := logging.NewSlogLoggerWithLevel(runtime.LogLevel)
//
// # Security Logging
//
// SecurityLogger.LogEvent (and the Log* helpers built on it) sanitizes
// user IDs, usernames, session IDs, error text and detail values before
// they reach the sink (spec.md §7, status and config records "never log a
// credential"). Its Debug/Info/Warn/Error methods log their field pairs
// unchanged:
//
//	logging.NewSecurityLogger().LogEvent(&logging.SecurityEvent{
//	    Event:   "auth.failure",
//	    Error:   err.Error(),
//	    Details: map[string]string{"host": hostPort},
//	})
//
// # Output Formats
//
// JSON Format (Production):
//
//	{"level":"info","time":"2025-01-03T10:30:00Z","message":"backup phase advanced","phase":1}
//
// Console Format (Development):
//
//	10:30:00 INF backup phase advanced phase=1
//
// # Thread Safety
//
// All exported functions are safe for concurrent use. The global logger
// is protected by sync.RWMutex for configuration changes.
//
// # Testing
//
// Create test loggers that capture output:
//
//	var buf bytes.Buffer
//	logger := logging.NewTestLogger(&buf)
//	logger.Info().Msg("test message")
//	output := buf.String()
package logging
