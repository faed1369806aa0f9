// Package transcript exports a stored chat session for reading or sharing,
// as markdown or as a self-contained HTML page rendered with goldmark.
package transcript
