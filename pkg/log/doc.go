/*
Package log provides structured logging for press using zerolog.

A single package-level Logger is configured once by Init, from the log_level
and log_json config keys (or the --log-level and --log-json flags). Until
Init runs the logger discards everything, which keeps tests quiet.

Child loggers carry the identity of what is being worked on:

	logger := log.WithComponent("backup")
	logger.Info().Str("site", site.Name).Msg("Backup created")

	jobLog := log.WithJob(job.ID, string(job.Type))
	jobLog.Warn().Err(err).Msg("Delivery failed")

Field names are fixed: component, site, server, job_id, job_type. Call sites
add site and server with Str; only component and the job pair have helpers. Worker
loops tag everything with component so a single loop can be followed in a
mixed log stream.

Console output (the default) is meant for operators at a terminal; use
JSONOutput in production where logs are shipped and indexed.
*/
package log
