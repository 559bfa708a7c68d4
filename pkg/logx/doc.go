// Package logx provides the structured logging facade used across genpool.
//
// It wraps zerolog behind a small Logger type whose output sinks (console,
// file) and level can be swapped at runtime via Service.Apply without callers
// holding a stale logger. The zero Logger value is a safe no-op, so library
// types can embed one without nil checks.
package logx
