// Package internal holds small helpers shared directly by the root protocol
// package: functional-option application, timeouts, and metadata stripping.
package internal

import "iter"

// Apply iterates over all non-nil options of type T found across opts and
// rest, in order.
func Apply[T, O any](opts []O, rest ...O) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, opt := range opts {
			if op, ok := any(opt).(T); ok && any(op) != nil && !yield(op) {
				return
			}
		}
		for _, opt := range rest {
			if op, ok := any(opt).(T); ok && any(op) != nil && !yield(op) {
				return
			}
		}
	}
}
