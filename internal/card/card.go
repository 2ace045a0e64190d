// ABOUTME: AgentCard capability descriptor for remote agent endpoints.
// ABOUTME: Immutable once fetched; replaced wholesale on refresh, never mutated.

package card

import "time"

// WellKnownPath is where every casewire agent serves its card.
const WellKnownPath = "/.well-known/agent-card.json"

// Operation describes one operation a remote agent exposes.
type Operation struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Streaming   bool   `json:"streaming"`
}

// Card is the capability descriptor for a remote agent endpoint.
// Cards are immutable: a refresh replaces the whole value.
type Card struct {
	AgentID    string      `json:"agent_id"`
	Name       string      `json:"name"`
	Role       string      `json:"role"`
	URL        string      `json:"url"`
	Version    string      `json:"version,omitempty"`
	Operations []Operation `json:"operations"`

	// FetchedAt is set by the resolver when the card is retrieved.
	FetchedAt time.Time `json:"-"`
}

// Supports reports whether the card lists an operation with the given name,
// and whether that operation is streaming.
func (c *Card) Supports(op string) (supported, streaming bool) {
	for _, o := range c.Operations {
		if o.Name == op {
			return true, o.Streaming
		}
	}
	return false, false
}
