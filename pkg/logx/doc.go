// Package logx configures clusterd's structured logging.
//
// Components log through logx.Logger, a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional remote sink (min-level + rate limiting) used to fan
//     warnings from every member into one cluster-wide stream
package logx
