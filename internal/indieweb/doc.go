// Package indieweb defines the core types, errors and ports shared by the
// Webmention and Micropub subsystems.
package indieweb
