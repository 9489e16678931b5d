// Package logx wraps zerolog for runsched.
//
// Console output uses a short timestamp and caller. The file sink writes
// JSON. An optional alert sink mirrors severe entries to stderr, filtered
// by level and rate limited, so defects stay visible with console output
// turned off.
package logx
