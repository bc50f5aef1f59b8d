// Package logx provides a small structured-logging facade over zerolog.
//
// Components hold a Logger value; the Service owns sinks (console, file,
// operator chat) and can swap them at runtime via Apply() without breaking
// loggers already handed out.
package logx
