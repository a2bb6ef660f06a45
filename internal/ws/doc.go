// Package ws serves the terminal multiplexer protocol over WebSocket.
//
// Each connection is handled by a Router:
//   - the handshake is authenticated before the upgrade, so a Router always
//     starts Authenticated with a fixed user id
//   - requests (create, list, attach, rename, kill) are answered with a
//     result frame carrying the same requestId
//   - input and resize are fire-and-forget and apply to the attached session
//   - output and exit frames are tagged with their session id
//   - closing the socket detaches the viewer but never stops the session
//
// Frames are read and dispatched by a single goroutine, so a resize is
// always applied before input that was sent after it.
package ws
