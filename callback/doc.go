// Package callback defines the events AI workers emit for a diary session
// and their JSON wire form:
//
//	{"sessionId":"...","callbackType":"QUESTION","timestamp":1712000000000,"data":{...}}
//
// Each Kind has one payload shape. A payload renders to the Message pushed
// to the client; ANALYSIS_COMPLETE, DIGEST_COMPLETE and ERROR are terminal
// and end the session once delivered.
package callback
