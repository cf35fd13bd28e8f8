// Copyright 2024-2026 Aiku AI

// Package relay is the core of the keyword forwarding relay: per-user
// listeners over the Mattermost event stream, the keyword/exception filter,
// forwarding payload rendering, and the session manager that supervises all
// listener lifecycles.
//
// # Core Types
//
// [Listener] owns one live connection under one user's credential. It reads
// the websocket event stream, applies the user's [Filter] snapshot to every
// inbound post, and delivers matches through the [Notifier].
//
// [SessionManager] maps user ids to listeners and exposes the lifecycle
// operations (start, stop, restart, start-all). It guarantees at most one
// live listener per user and isolates one user's failures from all others.
//
// [Filter] is a pure predicate: at least one keyword and no exception, as
// case-insensitive substrings. A listener never re-reads its filter; changes
// take effect through a restart.
//
// # Echo Prevention
//
// Forwarded alerts quote the matched text, so an alert delivered to the
// monitored account would itself match and loop forever. Listeners therefore
// drop posts authored by the monitored account and by the notifier bot
// before filtering.
package relay
