package delivery

import (
	"strings"

	"github.com/ggoodman/diary-callbacks/callback"
)

// Command is the verb of a client frame.
type Command string

const (
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
)

const destinationPrefix = "/topic/diary/"

// ClientFrame is sent by the browser over the realtime connection.
//
//	{"command":"SUBSCRIBE","destination":"/topic/diary/d1"}
type ClientFrame struct {
	Command     Command `json:"command"`
	Destination string  `json:"destination"`
}

// ServerFrame is pushed to the browser.
//
//	{"destination":"/topic/diary/d1","type":"AnalysisComplete","content":"..."}
type ServerFrame struct {
	Destination string               `json:"destination,omitempty"`
	Type        callback.MessageType `json:"type"`
	Content     string               `json:"content,omitempty"`
}

// Destination returns the topic a client subscribes to for sessionID.
func Destination(sessionID string) string { return destinationPrefix + sessionID }

// ParseDestination extracts the session id from a destination.
func ParseDestination(dest string) (string, bool) {
	id, ok := strings.CutPrefix(dest, destinationPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
