/*
Package log provides structured logging for raftcore using zerolog.

A single package-level zerolog.Logger is initialized once via Init and
shared by every package in the module that logs (pkg/raft,
pkg/snapshot, pkg/transport, cmd/raftd). Component loggers add context fields without
requiring callers to thread a logger through every function signature.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	raftLog := log.WithComponent("raft").With().Uint64("peer_id", id).Logger()
	raftLog.Info().Uint64("term", term).Msg("became leader")

	sessLog := log.WithSession(sessionID)
	sessLog.Debug().Str("state", "req-sig-loop").Msg("requesting signature range")

JSON output is intended for production (one object per line, parseable by
log aggregators); console output renders a colorized, human-readable line
and is meant for interactive use with `raftd run`.
*/
package log
