// Package ws streams terminal sessions over WebSocket.
//
// The package implements:
//   - Manager: owns each session's read loop and output buffer, delivers
//     output to the bound connection and applies backpressure
//   - Client: one connection with a bounded outbound queue
//   - Handler: upgrades requests and routes input, resize, focus and ping
//     messages
//
// Key behaviors:
//   - A session's output is always buffered; it is sent live only while the
//     session is active and focused
//   - A new connection gets the whole retained buffer before live output;
//     regaining focus or resuming sends what was produced since the last
//     delivery
//   - A dropped socket only unbinds; the process keeps running
//   - Repeated delivery failures open the session's circuit breaker and
//     suspend the session until a fresh bind
package ws
