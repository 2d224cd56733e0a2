// Package session keeps per-rider conversational state in memory.
//
// Invariants:
// - At most one live session exists per user ID.
// - A session idle for longer than the TTL is treated as absent: the next
//   access replaces it with a fresh session carrying default preferences.
// - Message history never exceeds MaxMessages; the oldest entries are dropped
//   first and system messages are never stored.
// - Legacy exchanges and recent searches are capped independently.
// - Store operations never fail: absence is normalized into creation.
// - Returned sessions are copies; mutating them does not affect the store.
//
// Usage:
//
//	store := session.NewStore(session.DefaultConfig())
//	store.ApplyPatch("rider-1", session.Patch{Location: &session.Location{Lat: -6.2, Lng: 106.8}})
//	store.AppendMessage("rider-1", session.RoleUser, "when is the next bus?")
//	msgs := store.BuildPromptMessages("rider-1", func(s session.Session) string {
//		return "You are a transit assistant."
//	})
//	_ = msgs
package session
