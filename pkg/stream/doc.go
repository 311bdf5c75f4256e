// Package stream parses worker stdout into lifecycle events. Lines are
// either control markers or opaque progress text; the first terminal
// marker wins and later output is dropped.
package stream
