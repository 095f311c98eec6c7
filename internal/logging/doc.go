// Package logging configures structured slog output for unisearch.
//
// Records fan out to a size-rotated JSON file under ~/.unisearch/logs/ and,
// when enabled, to a human-readable text handler on stderr. Commands that
// speak a protocol on stdout (serve) keep stderr only for errors.
package logging
