// Package logging provides opt-in file-based logging with rotation for the
// localsem supervisor. When the --debug flag is set, debug-level logs are
// written to ~/.localsem/logs/ and to stderr.
//
// Without --debug, the index and search commands still write info-level
// logs to ~/.localsem/logs/core.log (not to stderr), and a foreground
// daemon writes debug-level logs to that file and to stderr.
package logging
