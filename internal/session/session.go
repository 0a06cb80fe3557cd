// Package session manages connected-client sessions. It handles session
// creation, lookup, expiration, and storage of ephemeral session state
// backed by Redis.
package session
