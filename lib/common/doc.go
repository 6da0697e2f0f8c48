// Package common provides the configuration and logging shared by all parts of
// the echo service.
//
// Key Components:
//
//   - ServiceConfig: peer address, receive buffer size, reconnect delay, dispatcher
//     capacity, socket/TCP options, metrics endpoint and log level. Use
//     DefaultServiceConfig for a working baseline and Validate before use.
//
//   - TransportConfig: socket options applied to every freshly created socket
//     (TCP_NODELAY, keep-alive, linger, kernel buffer sizes).
//
//   - Logger: custom implementation of Dragonboat's logger.ILogger, installed with
//     InitLoggers so every package logger shares one format.
package common
