/*
Package log provides structured logging for PureBoot based on zerolog.

The package maintains a single global logger configured once at startup.
Components obtain child loggers carrying stable identifying fields:

	logger := log.WithComponent("dhcp")
	logger.Info().Str("mac", mac).Msg("boot request")

Console output is human-readable for interactive use; JSON output is
intended for log shippers.
*/
package log
