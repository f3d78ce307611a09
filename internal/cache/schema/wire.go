package schema

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PostWire is the JSON shape the remote backend returns for a post.
// List endpoints omit comments, hashtags and images.
type PostWire struct {
	ID                 int64         `json:"id"`
	UserID             string        `json:"user_id"`
	Content            string        `json:"content"`
	Mood               *string       `json:"mood"`
	EntryDate          string        `json:"entry_date"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	AllowAIComments    bool          `json:"allow_ai_comments"`
	AIProcessingStatus *string       `json:"ai_processing_status"`
	AIGenerated        *bool         `json:"ai_generated"`
	Comments           []CommentWire `json:"comments,omitempty"`
	Hashtags           []HashtagWire `json:"hashtags,omitempty"`
	Images             []ImageWire   `json:"images,omitempty"`
}

// CommentWire is a comment row as sent by the backend.
type CommentWire struct {
	CharacterID int64     `json:"character_id"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// HashtagWire is a hashtag row joined through post_hashtags.
type HashtagWire struct {
	Name string `json:"name"`
}

// ImageWire is an image row as sent by the backend.
type ImageWire struct {
	ID           string    `json:"id"`
	StoragePath  string    `json:"storage_path"`
	DisplayOrder int       `json:"display_order"`
	FileSize     *int64    `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// CharacterWire is the JSON shape of a character with the current user's
// relationship embedded.
type CharacterWire struct {
	ID                   int64               `json:"id"`
	Name                 string              `json:"name"`
	NameLocalized        *string             `json:"name_localized"`
	Description          string              `json:"description"`
	DescriptionLocalized *string             `json:"description_localized"`
	PromptDescription    *string             `json:"prompt_description"`
	AvatarURL            string              `json:"avatar_url"`
	Personality          []string            `json:"personality"`
	GreetingMessages     map[string][]string `json:"greeting_messages"`
	UserCharacter        *UserCharacterWire  `json:"user_character"`
}

// UserCharacterWire is the per-user follow relationship.
type UserCharacterWire struct {
	ID          int64 `json:"id"`
	IsFollowing bool  `json:"is_following"`
	Affinity    int   `json:"affinity"`
}

// PostFromWire converts a backend post for owner. With detailed == false
// the result is a skeleton regardless of what the payload carries.
func PostFromWire(w *PostWire, owner string, detailed bool) (*Post, error) {
	if w == nil {
		return nil, fmt.Errorf("nil post payload")
	}
	if w.UserID != "" && w.UserID != owner {
		return nil, fmt.Errorf("post %d belongs to %q, not %q", w.ID, w.UserID, owner)
	}

	p := &Post{
		ID:              w.ID,
		OwnerID:         owner,
		Content:         w.Content,
		Mood:            cloneString(w.Mood),
		EntryDate:       w.EntryDate,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
		AllowAIComments: w.AllowAIComments,
	}
	if w.AIProcessingStatus != nil {
		p.AIProcessingStatus = *w.AIProcessingStatus
	}
	if w.AIGenerated != nil {
		p.AIGenerated = *w.AIGenerated
	}

	if detailed {
		p.IsCached = true
		p.Comments = make([]Comment, 0, len(w.Comments))
		for _, c := range w.Comments {
			p.Comments = append(p.Comments, Comment(c))
		}

		tags := make([]string, 0, len(w.Hashtags))
		for _, h := range w.Hashtags {
			tags = append(tags, h.Name)
		}
		p.Hashtags = NormalizeHashtags(tags)

		p.Images = make([]Image, 0, len(w.Images))
		for _, img := range w.Images {
			id := img.ID
			if id == "" {
				id = uuid.NewString()
			}
			p.Images = append(p.Images, Image{
				ID:           id,
				StoragePath:  img.StoragePath,
				DisplayOrder: img.DisplayOrder,
				FileSize:     cloneInt64(img.FileSize),
				CreatedAt:    img.CreatedAt,
			})
		}
		sort.SliceStable(p.Images, func(i, j int) bool {
			return p.Images[i].DisplayOrder < p.Images[j].DisplayOrder
		})
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid post payload: %w", err)
	}
	return p, nil
}

// ToWire converts the Post back to the backend shape. Skeletons produce a
// payload without detail lists.
func (p *Post) ToWire() *PostWire {
	w := &PostWire{
		ID:              p.ID,
		UserID:          p.OwnerID,
		Content:         p.Content,
		Mood:            cloneString(p.Mood),
		EntryDate:       p.EntryDate,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		AllowAIComments: p.AllowAIComments,
	}
	if p.AIProcessingStatus != "" {
		status := p.AIProcessingStatus
		w.AIProcessingStatus = &status
	}
	generated := p.AIGenerated
	w.AIGenerated = &generated

	if !p.IsCached {
		return w
	}
	for _, c := range p.Comments {
		w.Comments = append(w.Comments, CommentWire(c))
	}
	for _, tag := range p.Hashtags {
		w.Hashtags = append(w.Hashtags, HashtagWire{Name: tag})
	}
	for _, img := range p.Images {
		w.Images = append(w.Images, ImageWire{
			ID:           img.ID,
			StoragePath:  img.StoragePath,
			DisplayOrder: img.DisplayOrder,
			FileSize:     cloneInt64(img.FileSize),
			CreatedAt:    img.CreatedAt,
		})
	}
	return w
}

// CharacterFromWire converts a backend character for owner.
func CharacterFromWire(w *CharacterWire, owner string) (*Character, error) {
	if w == nil {
		return nil, fmt.Errorf("nil character payload")
	}

	c := &Character{
		ID:                   w.ID,
		OwnerID:              owner,
		Name:                 w.Name,
		NameLocalized:        cloneString(w.NameLocalized),
		Description:          w.Description,
		DescriptionLocalized: cloneString(w.DescriptionLocalized),
		PromptDescription:    cloneString(w.PromptDescription),
		AvatarURL:            w.AvatarURL,
		Personality:          append([]string{}, w.Personality...),
		Greetings:            make(map[string][]string, len(w.GreetingMessages)),
	}
	for loc, msgs := range w.GreetingMessages {
		c.Greetings[loc] = append([]string{}, msgs...)
	}
	if uc := w.UserCharacter; uc != nil {
		c.IsFollowing = uc.IsFollowing
		c.Affinity = uc.Affinity
		if uc.IsFollowing && uc.ID != 0 {
			id := uc.ID
			c.FollowID = &id
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid character payload: %w", err)
	}
	return c, nil
}

// ToWire converts the Character back to the backend shape.
func (c *Character) ToWire() *CharacterWire {
	w := &CharacterWire{
		ID:                   c.ID,
		Name:                 c.Name,
		NameLocalized:        cloneString(c.NameLocalized),
		Description:          c.Description,
		DescriptionLocalized: cloneString(c.DescriptionLocalized),
		PromptDescription:    cloneString(c.PromptDescription),
		AvatarURL:            c.AvatarURL,
		Personality:          append([]string{}, c.Personality...),
		GreetingMessages:     make(map[string][]string, len(c.Greetings)),
	}
	for loc, msgs := range c.Greetings {
		w.GreetingMessages[loc] = append([]string{}, msgs...)
	}
	if c.IsFollowing || c.Affinity != 0 || c.FollowID != nil {
		uc := &UserCharacterWire{IsFollowing: c.IsFollowing, Affinity: c.Affinity}
		if c.FollowID != nil {
			uc.ID = *c.FollowID
		}
		w.UserCharacter = uc
	}
	return w
}
