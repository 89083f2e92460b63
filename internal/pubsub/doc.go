// Package pubsub lets external producers publish relay events through a
// Redis Pub/Sub channel instead of the HTTP API.
//
// Each message is a JSON object:
//
//	{"id": "optional-unique-id", "event": "mediaPlay", "payload": {...},
//	 "include": ["target"], "exclude": "a,b", "delay": 250}
//
// include and exclude accept a comma separated string or an array, and at
// most one may be given. Messages carrying an id already seen within the
// dedupe TTL are dropped.
package pubsub
