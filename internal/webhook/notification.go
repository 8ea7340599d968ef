// Package webhook turns processor notifications into order transitions.
//
// Notifications are never trusted: only the resource id is read from them
// and the payment is re-fetched from the processor before any state
// changes.
package webhook

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// TypePayment is the only notification type that drives transitions.
const TypePayment = "payment"

// Notification is the normalized form of a processor callback. It is also
// the message body placed on the webhook queue.
type Notification struct {
	Type       string `json:"type"`
	Action     string `json:"action,omitempty"`
	ResourceID string `json:"resource_id"`
}

// IsPayment reports whether the notification refers to a payment resource.
func (n Notification) IsPayment() bool {
	return n.Type == TypePayment && n.ResourceID != ""
}

type wireNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
	ResourceID flexibleID `json:"resource_id"`
}

// flexibleID accepts ids sent either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// ParseNotification reads a callback from its JSON body, falling back to
// the query string forms ?type=payment&data.id=… and ?topic=payment&id=….
// It never fails: an unreadable callback yields an empty Notification,
// which the receiver acknowledges and ignores.
func ParseNotification(body []byte, query url.Values) Notification {
	var n Notification
	if len(bytes.TrimSpace(body)) > 0 {
		var w wireNotification
		if err := json.Unmarshal(body, &w); err == nil {
			n.Type = firstNonEmpty(w.Type, w.Topic)
			n.Action = w.Action
			n.ResourceID = firstNonEmpty(string(w.Data.ID), string(w.ResourceID))
		}
	}
	if n.Type == "" {
		n.Type = firstNonEmpty(query.Get("type"), query.Get("topic"))
	}
	if n.ResourceID == "" {
		n.ResourceID = firstNonEmpty(query.Get("data.id"), query.Get("id"))
	}
	n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	n.ResourceID = strings.TrimSpace(n.ResourceID)
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
