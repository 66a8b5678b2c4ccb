package workflow

import (
	"encoding/base64"
	"encoding/json"

	"github.com/emberq/emberq/pkg/core"
)

// Link is one not-yet-run chain step carried in envelope headers. Ids
// are assigned at submit time so callers can await the final step
// before it exists on any queue.
type Link struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Queue string            `json:"queue,omitempty"`
}

// EncodeLinks serializes pending chain steps for the chain header.
// Base64 keeps the JSON header value free of quoting hazards.
func EncodeLinks(links []Link) (string, error) {
	data, err := json.Marshal(links)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeLinks reverses EncodeLinks.
func DecodeLinks(encoded string) ([]Link, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, core.Configf("malformed chain header: %v", err)
	}
	var links []Link
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, core.Configf("malformed chain header: %v", err)
	}
	return links, nil
}
