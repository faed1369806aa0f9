// ABOUTME: Field validation for store entities
// ABOUTME: Enforces length limits and required fields before any write

package store

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Column limits shared with the HTTP layer.
const (
	MaxBotNameLength        = 50
	MinBotNameLength        = 3
	MaxBotDescriptionLength = 250
	MaxURLLength            = 500
	MaxSystemColorLength    = 25
	MinSessionTitleLength   = 3
	MaxSessionTitleLength   = 100
	MaxMediaNameLength      = 250
	MaxContentTypeLength    = 50
	MaxContentHashLength    = 32
	MaxProviderNameLength   = 50
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func checkMax(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return invalid("%s exceeds %d characters", field, max)
	}
	return nil
}

// Validate checks the bot's fields.
func (b *Bot) Validate() error {
	n := utf8.RuneCountInString(strings.TrimSpace(b.Name))
	if n < MinBotNameLength || n > MaxBotNameLength {
		return invalid("name must be between %d and %d characters", MinBotNameLength, MaxBotNameLength)
	}
	if err := checkMax("description", b.Description, MaxBotDescriptionLength); err != nil {
		return err
	}
	if err := checkMax("image_url", b.ImageURL, MaxURLLength); err != nil {
		return err
	}
	return checkMax("system_color", b.SystemColor, MaxSystemColorLength)
}

// Validate checks the session's fields.
func (s *Session) Validate() error {
	if s.BotID <= 0 {
		return invalid("bot id is required")
	}
	n := utf8.RuneCountInString(strings.TrimSpace(s.Title))
	if n < MinSessionTitleLength || n > MaxSessionTitleLength {
		return invalid("title must be between %d and %d characters", MinSessionTitleLength, MaxSessionTitleLength)
	}
	return nil
}

// Validate checks the message's fields. Zero token counts are accepted.
func (m *Message) Validate() error {
	if m.InputTokens < 0 || m.OutputTokens < 0 {
		return invalid("token counts must not be negative")
	}
	if err := checkMax("provider_name", m.ProviderName, MaxProviderNameLength); err != nil {
		return err
	}
	return checkMax("agent_response_media_url", m.AgentResponseMediaURL, MaxURLLength)
}

// Validate checks the attachment's fields.
func (m *MediaAttachment) Validate() error {
	if m.MediaURL == "" {
		return invalid("media url is required")
	}
	if m.ProviderName == "" {
		return invalid("provider name is required")
	}
	checks := []struct {
		field string
		value string
		max   int
	}{
		{"media_url", m.MediaURL, MaxURLLength},
		{"name", m.Name, MaxMediaNameLength},
		{"content_type", m.ContentType, MaxContentTypeLength},
		{"content_hash", m.ContentHash, MaxContentHashLength},
		{"provider_name", m.ProviderName, MaxProviderNameLength},
	}
	for _, c := range checks {
		if err := checkMax(c.field, c.value, c.max); err != nil {
			return err
		}
	}
	return nil
}
