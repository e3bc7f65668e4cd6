// Package testutil provides socket doubles and fixtures for transfer plane
// tests.
//
// MockSocket is a synchronous in-memory Socket: tests push inbound frames
// with Deliver and inspect what handlers sent with Sent. FlakyFactory wraps
// a real socket.Factory and makes the first sends of matching sockets fail
// with errors.ErrWouldBlock, which is how cross-host retry paths are
// exercised without a real network fault.
//
// Fixtures build channel sets whose IPC paths live under a test's temp
// directory, so parallel tests never share socket files.
package testutil
