// Package websocket adapts gorilla/websocket connections to broker sessions.
//
// Each Session owns a writer goroutine; the HTTP handler goroutine runs the read pump.
// Send never blocks: a full buffer is reported as backpressure so that a slow client can not
// stall the listener that relays to it.
package websocket
