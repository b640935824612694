package store

import "fmt"

// Key layout for the shared store. Every caller goes through these
// helpers so the table has exactly one source of truth.

// ConnectedMuds is the set of live MUD names across all gateways.
const ConnectedMuds = "connected_muds"

// MudInfoKey is the public metadata blob for a MUD.
func MudInfoKey(mud string) string { return fmt.Sprintf("mud_info:%s", mud) }

// ChannelMembersKey is the membership set for a channel.
func ChannelMembersKey(channel string) string { return fmt.Sprintf("channel:%s:members", channel) }

// ChannelHistoryKey is the capped history list for a channel.
func ChannelHistoryKey(channel string) string { return fmt.Sprintf("channel:%s:history", channel) }

// ChannelMetaKey is the moderator/ban/flag metadata blob for a channel.
func ChannelMetaKey(channel string) string { return fmt.Sprintf("channel:%s:meta", channel) }

// ChannelIndex is the set of all known channel names, used to answer
// the "channels" directory query without scanning every channel key.
const ChannelIndex = "channel_index"

// PresenceKey is the TTL'd status+activity+location blob for one user.
func PresenceKey(mud, user string) string { return fmt.Sprintf("presence:%s:%s", mud, user) }

// PresenceIndexKey is the set of MUDs where `user` has a presence
// record, the secondary index the "locate" query needs to answer
// "which MUDs currently have a session for this user" without scanning
// every presence key.
func PresenceIndexKey(user string) string { return fmt.Sprintf("presence_index:%s", user) }

// RouteChannel is the pub/sub channel used to forward a unicast envelope
// to whichever sibling gateway currently holds a connection for mud.
func RouteChannel(mud string) string { return fmt.Sprintf("route:%s", mud) }

// PresenceChannel is the pub/sub channel presence updates are published on.
const PresenceChannel = "presence"

// OutboundMessages is the list admin-injected messages await dispatch on.
const OutboundMessages = "outbound_messages"

// RevokedTokens is the set of revoked bearer-token jti values.
const RevokedTokens = "revoked_tokens"
