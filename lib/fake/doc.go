// Package fake provides controllable implementations of dispatcher.IDispatcher and
// transport.ISocketOps for tests.
//
// Both fakes write to a shared Journal, so a test can assert the order of socket
// creation, registration, unregistration and close across the two layers. Failures
// are injected with Dispatcher.FailRegister/FailUnregister and Sockets.FailSendAfter;
// partial writes with Sockets.MaxSendChunk.
package fake
