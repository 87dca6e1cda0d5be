// Package logx is kworkbot's logging layer: a small Logger wrapper over
// zerolog with typed field helpers.
//
// Sinks are owned by Service and can be swapped at runtime (Apply):
//   - console, human readable with a short file:line caller
//   - JSON lines file
//   - operator Telegram chat (telegram.group_log), filtered by a minimum
//     level and rate limited; never the chat that receives listings
package logx
