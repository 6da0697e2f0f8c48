// Package dispatcher binds sockets to a readiness-polling subsystem. A dispatcher
// watches registered descriptors and, on every pass, delivers one Event per
// descriptor whose requested conditions are met.
//
// Usage contract:
//
//   - Register is idempotent per descriptor: registering again updates the mask.
//   - Unregister must be called before the descriptor is closed. Closing a watched
//     descriptor is never done by callers of this package.
//   - Delivery is single-consumer: the handler runs to completion for one event
//     before the next one is considered.
//
// Key Components:
//
//   - IDispatcher: the interface consumed by the echo service.
//
//   - epollDispatcher: level-triggered Linux implementation built on
//     golang.org/x/sys/unix, woken through an eventfd when the run context ends.
//     Level triggering matters: a receive takes at most one buffer per event, so
//     remaining bytes must produce another event.
//
// The sub-package testing contains a conformance suite run against every implementation.
package dispatcher
