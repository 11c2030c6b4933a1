// Package protocol defines the line-oriented frame grammar shared by the
// server-side encoder and the client-side decoder.
//
// A frame is one UTF-8 line of the form
//
//	<tag>:<payload>\n
//
// where tag is a single character selecting how the payload is interpreted.
// Both sides of the wire import this package; there is exactly one tag table.
package protocol
