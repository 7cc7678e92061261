// Package logx configures cabeat's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps console
// output readable (short timestamp and caller) and file output JSON-structured.
package logx
