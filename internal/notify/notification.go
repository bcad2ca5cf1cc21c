// ABOUTME: Notification types delivered to connected protocol clients.
// ABOUTME: Tagged union covering operation, progress, resource, and config notices.

package notify

import "encoding/json"

// Kind identifies the notification variant.
type Kind string

const (
	KindOperation           Kind = "operation"
	KindJSONResult          Kind = "json_result"
	KindConfigChanged       Kind = "config_changed"
	KindProgress            Kind = "progress"
	KindResourceUpdated     Kind = "resource_updated"
	KindResourceListChanged Kind = "resource_list_changed"
	KindRootsListChanged    Kind = "roots_list_changed"
)

// Notification is a transient, best-effort message pushed to client sessions.
// Exactly one of the variant fields is populated, selected by Kind.
type Notification struct {
	Kind Kind

	// Operation carries a human-readable operation notice.
	Operation string

	// Result carries an opaque JSON payload for json_result notices.
	Result json.RawMessage

	// Progress fields, valid when Kind is KindProgress.
	ProgressToken string
	Progress      float64
	Total         *float64

	// URI identifies the updated resource for resource_updated notices.
	URI string
}

// NewOperation builds an operation notice.
func NewOperation(message string) *Notification {
	return &Notification{Kind: KindOperation, Operation: message}
}

// NewJSONResult builds a json_result notice wrapping an opaque payload.
func NewJSONResult(payload json.RawMessage) *Notification {
	return &Notification{Kind: KindJSONResult, Result: payload}
}

// NewConfigChanged builds a config_changed notice.
func NewConfigChanged() *Notification {
	return &Notification{Kind: KindConfigChanged}
}

// NewProgress builds a progress notice. Total may be nil when unknown.
func NewProgress(token string, progress float64, total *float64) *Notification {
	return &Notification{
		Kind:          KindProgress,
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
	}
}

// NewResourceUpdated builds a resource_updated notice for the given URI.
func NewResourceUpdated(uri string) *Notification {
	return &Notification{Kind: KindResourceUpdated, URI: uri}
}

// NewResourceListChanged builds a resource_list_changed notice.
func NewResourceListChanged() *Notification {
	return &Notification{Kind: KindResourceListChanged}
}

// NewRootsListChanged builds a roots_list_changed notice.
func NewRootsListChanged() *Notification {
	return &Notification{Kind: KindRootsListChanged}
}
