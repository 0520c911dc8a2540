// Package sessions tracks, per process, which diary sessions have a client
// connected to this instance and where each one is in its lifecycle.
//
// A session moves through four states:
//
//	Unprepared -> Prepared -> Active -> Consumed
//
// Prepare is called by the request that starts AI work, Activate when the
// client subscribes on its realtime connection, and Consume once a terminal
// callback has been delivered. Nothing is shared between instances: a
// Registry only knows about connections it holds, which is what lets every
// instance consume the full callback stream and deliver only its own share.
//
// Entries expire after a maximum age. Under the idle policy any activity on
// an entry restarts its clock; under the absolute policy age is measured from
// creation. The Controller runs the periodic sweep and turns connection
// events into registry transitions.
package sessions
