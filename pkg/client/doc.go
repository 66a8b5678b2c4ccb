// Package client is the producer side: it turns task calls and workflow
// compositions into envelopes on the broker and hands back result
// handles bound to the backend.
package client
