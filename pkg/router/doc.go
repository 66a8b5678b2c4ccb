// Package router maps task names (and optionally their arguments) to
// queue names. Static routes are evaluated in insertion order, then
// functional routes, then the default queue.
package router
