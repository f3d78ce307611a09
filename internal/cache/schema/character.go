package schema

import (
	"fmt"
	"time"
)

// Character is an AI follower that comments on the owner's posts.
//
// IsFollowing and Affinity may be changed locally before the backend
// confirms them; LastSynced moves on every local mutation.
type Character struct {
	ID      int64  `json:"id"`
	OwnerID string `json:"owner_id"`

	Name          string  `json:"name"`
	NameLocalized *string `json:"name_localized,omitempty"`

	Description          string  `json:"description"`
	DescriptionLocalized *string `json:"description_localized,omitempty"`
	PromptDescription    *string `json:"prompt_description,omitempty"`

	AvatarURL   string              `json:"avatar_url,omitempty"`
	Personality []string            `json:"personality,omitempty"`
	Greetings   map[string][]string `json:"greetings,omitempty"` // locale -> messages

	IsFollowing bool   `json:"is_following"`
	Affinity    int    `json:"affinity"`
	FollowID    *int64 `json:"follow_id,omitempty"`

	LastSynced time.Time `json:"last_synced"`
}

// Validate checks if the Character has valid field values.
func (c *Character) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", c.ID)
	}
	if c.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !c.IsFollowing && c.FollowID != nil {
		return fmt.Errorf("character %d has follow_id but is not followed", c.ID)
	}
	return nil
}

// Greeting returns the greetings for locale, falling back to "en" and then
// to any locale in sorted order.
func (c *Character) Greeting(locale string) []string {
	if msgs, ok := c.Greetings[locale]; ok && len(msgs) > 0 {
		return msgs
	}
	if msgs, ok := c.Greetings["en"]; ok && len(msgs) > 0 {
		return msgs
	}
	var best string
	for loc, msgs := range c.Greetings {
		if len(msgs) == 0 {
			continue
		}
		if best == "" || loc < best {
			best = loc
		}
	}
	if best == "" {
		return nil
	}
	return c.Greetings[best]
}

// DisplayName returns the localized name when present.
func (c *Character) DisplayName() string {
	if c.NameLocalized != nil && *c.NameLocalized != "" {
		return *c.NameLocalized
	}
	return c.Name
}

// Clone returns a deep copy of the Character.
func (c *Character) Clone() *Character {
	out := *c
	out.NameLocalized = cloneString(c.NameLocalized)
	out.DescriptionLocalized = cloneString(c.DescriptionLocalized)
	out.PromptDescription = cloneString(c.PromptDescription)
	out.FollowID = cloneInt64(c.FollowID)
	if c.Personality != nil {
		out.Personality = append([]string{}, c.Personality...)
	}
	if c.Greetings != nil {
		out.Greetings = make(map[string][]string, len(c.Greetings))
		for k, v := range c.Greetings {
			out.Greetings[k] = append([]string{}, v...)
		}
	}
	return &out
}
