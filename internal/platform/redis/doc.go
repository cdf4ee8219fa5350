// Package redis shares queue notifications between processes over Redis
// pub/sub. Transport publishes each event to "<prefix>:project:<id>"; Relay
// pattern-subscribes to those channels and republishes every event into the
// process-local notification Channel, where WebSocket connections read it.
package redis
