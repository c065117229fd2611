// Package server implements the relaychat relay: the connection registry and
// its event loop, heartbeat probing, presence broadcasts, message routing and
// the HTTP surface (websocket upgrade, accounts, history, uploads).
//
// The Hub owns the live connection set. Registrations and removals are
// serialized through its event loop; the router and the heartbeat monitor
// only reach the set through the Hub's methods.
package server
