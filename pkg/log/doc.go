/*
Package log provides structured JSON logging built on zerolog.

A single package-level Logger is initialized once via Init and used from
every other package in the manager. WithComponent attaches a component
field and returns a plain zerolog.Logger value rather than mutating global
state, so callers can hold onto one for the lifetime of a request or
background loop:

	dispatchLog := log.WithComponent("dispatcher")
	dispatchLog.Info().Str("task_id", taskID).Msg("dispatching task")

# Initialization

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // false selects a human-readable console writer
		Output:     os.Stdout,
	})

Output defaults to os.Stdout when nil. JSONOutput false is meant for local
development; production should always use JSON so log lines are parseable
by whatever aggregator is scraping stdout.

# Levels

Debug is for development only — it is noisy and not meant to run enabled in
production. Info is the default production level. Warn and Error should stay
low-volume; Fatal calls os.Exit(1) after logging and should only guard truly
unrecoverable startup failures, never a request-handling code path.

# What not to log

Never log bearer tokens, runner tokens, or admin passwords, even at Debug.
Use structured fields (.Str, .Int, .Err) rather than string concatenation so
log lines stay machine-parseable and user-supplied values can't forge fields.
*/
package log
