// Package logx is circlelink's structured logging on top of zerolog.
//
// Console output is human readable with a short caller, the file sink keeps
// JSON records, and an optional relay sink forwards warnings and errors to an
// external chat under a rate limit. Sinks can be swapped at runtime with
// Service.Apply without replacing the Loggers already handed out.
package logx
