// Package event defines the JSON wire format exchanged between the tracking
// client and the ingestion endpoint.
package event

import "time"

// Name identifies the kind of event being reported.
type Name string

const (
	NamePageView      Name = "pageview"
	NameSessionStart  Name = "session_start"
	NameEvent         Name = "event"
	NameTiming        Name = "timing"
	NamePerformance   Name = "performance"
	NameOutboundClick Name = "outbound_click"
	NameDownload      Name = "download"
)

// UTM holds campaign parameters read from the landing URL.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Screen is the viewport size reported by the client.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Payload is one event as posted to the ingestion endpoint.
type Payload struct {
	Domain    string                 `json:"domain" validate:"required"`
	URL       string                 `json:"url" validate:"required"`
	Path      string                 `json:"path"`
	Event     Name                   `json:"event" validate:"required,oneof=pageview session_start event timing performance outbound_click download"`
	Source    string                 `json:"source,omitempty"`
	Referrer  string                 `json:"referrer,omitempty"`
	UTM       UTM                    `json:"utm"`
	VisitorID string                 `json:"visitor_id"`
	SessionID string                 `json:"session_id"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Screen    Screen                 `json:"screen"`
	Language  string                 `json:"language,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
