// Package logx configures cinebot's structured logging.
//
// logx.Logger wraps zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink for the operator log chat (min-level + rate limiting)
package logx
