// Package moderation implements the guardrail that screens rider text
// before any model call. A blocked message gets a fixed refusal.
package moderation
