// Package agent turns one rider utterance into one reply.
//
// A turn screens the text through the guardrail, composes a system preamble
// plus the session history, asks the completion provider for a response, and
// when the response is a tool invocation runs exactly one tool against a
// live-state snapshot before asking the provider again.
//
// Invariants:
// - Turns are serialized per user through a commandqueue lane.
// - HandleTurn never returns an error; failures become a fixed reply with
//   Retryable set where a retry could help.
// - Only the first completion is retried (linear backoff); the second one is
//   attempted once.
// - Tools never mutate live state.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{
//		Store:     store,
//		Provider:  chain,
//		Tools:     exec,
//		Guardrail: guard,
//		Snapshots: tracker,
//		Queue:     queue,
//	})
//	res := loop.HandleTurn(ctx, "rider-1", "When is BUS-101 at Market Square?", nil)
//	fmt.Println(res.Reply)
package agent
