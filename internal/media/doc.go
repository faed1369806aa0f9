// Package media stores conversation attachments and issues public URLs.
//
// Uploader is the contract the conversation orchestrator depends on.
// LocalUploader keeps files on disk under random upper-case provider names,
// records a 128-bit blake2b content hash, and hands out URLs of the form
//
//	<base_url>/media/<jwt>
//
// where the JWT (HS256, audience "coven-chat/media") names the file and
// expires after the configured TTL. Handler verifies the token and serves
// the file.
package media
