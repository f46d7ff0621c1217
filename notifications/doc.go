// Package notifications delivers near-real-time user notifications to a
// subscriber callback.
//
// A subscription prefers the push transport (a websocket fed by the backend)
// and falls back to polling the REST store when push is unavailable, probing
// push again in the background so delivery self-heals onto the cheaper
// transport. Subscribers never observe which transport is active; the
// callback is the only contract.
package notifications
