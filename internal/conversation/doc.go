// Package conversation runs chat turns against a completion provider.
//
// # Overview
//
// The Orchestrator sits between the HTTP handlers and the store. A turn:
//
//  1. Builds history from the bot's system prompt (or DefaultSystemPrompt),
//     its safety prompt, and every prior message of the session.
//  2. Uploads any attached files and adds their public URLs as image parts
//     ahead of the user text.
//  3. Drains the provider stream, calling Observers.OnFragment per fragment
//     and Observers.OnComplete once at the end.
//  4. Stores the message and its attachments in one transaction.
//
// Entry points:
//
//	orch := conversation.New(store, uploader, provider, logger)
//	msg, err := orch.StartSession(ctx, conversation.StartRequest{BotID: 1, UserText: "hi"})
//	msg, err = orch.Continue(ctx, msg.SessionID, conversation.TurnRequest{UserText: "more"})
//
// # Errors
//
// Failures wrap one of ErrInvalidArgument, ErrNotFound, ErrProvider,
// ErrUpload, ErrStorage or ErrCancelled. ErrStorage means observers already
// saw the completed response but nothing was stored.
//
// # Concurrency
//
// Turns on different sessions run independently. Turns on the same session
// are not serialized; SessionLocks provides that for callers who need it.
//
// # Turn events
//
// With WithBroadcaster, every stage of a turn is published as a TurnEvent so
// other clients can follow a session live.
package conversation
