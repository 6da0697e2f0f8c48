// Package testing provides a conformance suite for dispatcher.IDispatcher
// implementations. Call RunDispatcherTests from a _test.go file with a factory for
// the dispatcher and one for descriptors the suite can make readable.
package testing
