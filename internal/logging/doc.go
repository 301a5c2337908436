// Package logging configures structured JSON logging for amankb.
//
// Logs go to a size-rotated file under the data directory and, unless the
// process speaks MCP over stdio, to stderr as well.
package logging
