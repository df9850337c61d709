package types

import "time"

// Record is a property payload as returned by the backend or shaped for output.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SearchResult is one listing reference found on a search page.
type SearchResult struct {
	ID        string `json:"zpid"`
	DetailURL string `json:"detailUrl,omitempty"`
	Relaxed   bool   `json:"relaxed,omitempty"`
}

// Credential is the query token pair needed by the item-detail API.
type Credential struct {
	QueryID       string `json:"queryId"`
	ClientVersion string `json:"clientVersion"`
}

// Valid reports whether both halves of the credential are present.
func (c Credential) Valid() bool {
	return c.QueryID != "" && c.ClientVersion != ""
}

// CrawlStats summarises crawl progress for logs and the status API.
type CrawlStats struct {
	Extracted     int       `json:"extracted"`
	MaxItems      int       `json:"max_items"`
	Pending       int64     `json:"pending"`
	InFlight      int64     `json:"in_flight"`
	Handled       int64     `json:"handled"`
	Abandoned     int64     `json:"abandoned"`
	CredentialSet bool      `json:"credential_set"`
	Draining      bool      `json:"draining"`
	StartedAt     time.Time `json:"started_at"`
}
