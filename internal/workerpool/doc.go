// Package workerpool executes document tasks on a bounded set of worker units.
//
// A unit is either an in-process goroutine runner or a child process that
// speaks a length-prefixed JSON frame protocol over its stdin and stdout.
// The pool starts units lazily up to a ceiling, queues excess work in FIFO
// order and replaces units that crash or overrun their time limit.
package workerpool
