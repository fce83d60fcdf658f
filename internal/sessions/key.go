// Package sessions builds and parses agent session keys and tracks the runs
// made against them.
//
// Session keys use the gateway's canonical format:
//
//	agent:{agentId}:{channel}:{kind}:{chatId}
//
// Examples:
//
//	agent:default:discord:direct:1203344556677889900
//	agent:default:discord:group:1198765432109876543
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	DM:    agent:{agentId}:{channel}:direct:{chatID}
//	Group: agent:{agentId}:{channel}:group:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// ChatIDFromSessionKey returns the trailing chat id of a channel session key.
func ChatIDFromSessionKey(key string) string {
	_, rest := ParseSessionKey(key)
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
