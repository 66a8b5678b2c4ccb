// Package registry owns the name → executable mapping for a worker
// process. Tasks are registered once at startup; lookups are read-mostly
// and safe for concurrent use. The registry also holds the router handle
// and implements the option merge precedence
// (call-site > task defaults > global defaults).
package registry
