package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

const postColumns = `id, owner_id, content, mood, entry_date, created_at, updated_at,
	allow_ai_comments, ai_processing_status, ai_generated,
	comments, hashtags, images, last_synced, is_cached`

const characterColumns = `id, owner_id, name, name_localized, description,
	description_localized, prompt_description, avatar_url, personality, greetings,
	is_following, affinity, follow_id, last_synced`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// jsonColumn marshals v, storing NULL for nil slices and maps so that
// "not loaded" survives the round trip.
func jsonColumn(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func postArgs(p *schema.Post) ([]any, error) {
	comments, err := jsonColumn(p.Comments, p.Comments == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal comments: %w", err)
	}
	hashtags, err := jsonColumn(p.Hashtags, p.Hashtags == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hashtags: %w", err)
	}
	images, err := jsonColumn(p.Images, p.Images == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal images: %w", err)
	}

	return []any{
		p.ID,
		p.OwnerID,
		p.Content,
		nullString(p.Mood),
		p.EntryDate,
		db.FormatTime(p.CreatedAt),
		db.FormatTime(p.UpdatedAt),
		p.AllowAIComments,
		p.AIProcessingStatus,
		p.AIGenerated,
		comments,
		hashtags,
		images,
		db.FormatTime(p.LastSynced),
		p.IsCached,
	}, nil
}

func scanPost(row rowScanner) (*schema.Post, error) {
	var p schema.Post
	var mood, comments, hashtags, images sql.NullString
	var createdAt, updatedAt, lastSynced string

	err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.Content,
		&mood,
		&p.EntryDate,
		&createdAt,
		&updatedAt,
		&p.AllowAIComments,
		&p.AIProcessingStatus,
		&p.AIGenerated,
		&comments,
		&hashtags,
		&images,
		&lastSynced,
		&p.IsCached,
	)
	if err != nil {
		return nil, err
	}

	if mood.Valid {
		m := mood.String
		p.Mood = &m
	}
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if p.LastSynced, err = db.ParseTime(lastSynced); err != nil {
		return nil, err
	}

	if comments.Valid {
		if err := json.Unmarshal([]byte(comments.String), &p.Comments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal comments of post %d: %w", p.ID, err)
		}
	}
	if hashtags.Valid {
		if err := json.Unmarshal([]byte(hashtags.String), &p.Hashtags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hashtags of post %d: %w", p.ID, err)
		}
	}
	if images.Valid {
		if err := json.Unmarshal([]byte(images.String), &p.Images); err != nil {
			return nil, fmt.Errorf("failed to unmarshal images of post %d: %w", p.ID, err)
		}
	}

	return &p, nil
}

func characterArgs(c *schema.Character) ([]any, error) {
	personality, err := jsonColumn(c.Personality, c.Personality == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal personality: %w", err)
	}
	greetings, err := jsonColumn(c.Greetings, c.Greetings == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal greetings: %w", err)
	}

	return []any{
		c.ID,
		c.OwnerID,
		c.Name,
		nullString(c.NameLocalized),
		c.Description,
		nullString(c.DescriptionLocalized),
		nullString(c.PromptDescription),
		c.AvatarURL,
		personality,
		greetings,
		c.IsFollowing,
		c.Affinity,
		nullInt64(c.FollowID),
		db.FormatTime(c.LastSynced),
	}, nil
}

func scanCharacter(row rowScanner) (*schema.Character, error) {
	var c schema.Character
	var nameLocalized, descLocalized, prompt, personality, greetings sql.NullString
	var followID sql.NullInt64
	var lastSynced string

	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Name,
		&nameLocalized,
		&c.Description,
		&descLocalized,
		&prompt,
		&c.AvatarURL,
		&personality,
		&greetings,
		&c.IsFollowing,
		&c.Affinity,
		&followID,
		&lastSynced,
	)
	if err != nil {
		return nil, err
	}

	c.NameLocalized = stringPtr(nameLocalized)
	c.DescriptionLocalized = stringPtr(descLocalized)
	c.PromptDescription = stringPtr(prompt)
	if followID.Valid {
		id := followID.Int64
		c.FollowID = &id
	}
	if c.LastSynced, err = db.ParseTime(lastSynced); err != nil {
		return nil, err
	}

	if personality.Valid {
		if err := json.Unmarshal([]byte(personality.String), &c.Personality); err != nil {
			return nil, fmt.Errorf("failed to unmarshal personality of character %d: %w", c.ID, err)
		}
	}
	if greetings.Valid {
		if err := json.Unmarshal([]byte(greetings.String), &c.Greetings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal greetings of character %d: %w", c.ID, err)
		}
	}

	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
