/*
Package log provides structured logging for the bundle-oriented
persistence engine using zerolog.

The log package wraps zerolog to provide JSON- or console-formatted
logging with component-specific child loggers, a configurable level,
and a handful of helper functions for the common cases.

# Usage

	import "github.com/cuemby/bundlestore/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	engineLog := log.WithComponent("engine")
	engineLog.Info().Str("bundleId", id.String()).Msg("bundle stored")

	nodeLog := log.WithNodeID(id.String())
	nodeLog.Warn().Msg("missing child reference")

# Integration Points

This package is the logger internal/engine.Open passes down into
internal/txn and internal/consistency (both take a zerolog.Logger and
add their own "component" field on top).

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
