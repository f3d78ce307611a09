// Package schema provides the record model of the diary cache.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/moodlog/moodlog/internal/cache/query"
)

// EntryDateLayout is the layout of Post.EntryDate. Entry dates compare
// correctly as plain strings.
const EntryDateLayout = "2006-01-02"

// AI processing states reported by the backend.
const (
	AIStatusNone       = ""
	AIStatusPending    = "pending"
	AIStatusProcessing = "processing"
	AIStatusCompleted  = "completed"
	AIStatusFailed     = "failed"
)

// Post is a diary entry owned by one user.
//
// A Post with IsCached == false is a skeleton: it was written from a list
// fetch and its Comments, Hashtags and Images are nil because they were
// never loaded, not because they are empty.
type Post struct {
	// ===== Identity =====
	ID      int64  `json:"id"`
	OwnerID string `json:"owner_id"`

	// ===== Content =====
	Content   string  `json:"content"`
	Mood      *string `json:"mood,omitempty"`
	EntryDate string  `json:"entry_date"` // YYYY-MM-DD

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ===== AI commentary =====
	AllowAIComments    bool   `json:"allow_ai_comments"`
	AIProcessingStatus string `json:"ai_processing_status,omitempty"`
	AIGenerated        bool   `json:"ai_generated"`

	// ===== Detail (only when IsCached) =====
	Comments []Comment `json:"comments,omitempty"`
	Hashtags []string  `json:"hashtags,omitempty"`
	Images   []Image   `json:"images,omitempty"`

	// ===== Cache metadata =====
	LastSynced time.Time `json:"last_synced"`
	IsCached   bool      `json:"is_cached"`
}

// Comment is a character's reply embedded in a Post.
type Comment struct {
	CharacterID int64     `json:"character_id"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Image describes an attachment of a Post. The bytes live in remote
// storage; the cache keeps only the descriptor.
type Image struct {
	ID           string    `json:"id"`
	StoragePath  string    `json:"storage_path"`
	DisplayOrder int       `json:"display_order"`
	FileSize     *int64    `json:"file_size,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks if the Post has valid field values.
func (p *Post) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", p.ID)
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if err := ValidateEntryDate(p.EntryDate); err != nil {
		return err
	}
	switch p.AIProcessingStatus {
	case AIStatusNone, AIStatusPending, AIStatusProcessing, AIStatusCompleted, AIStatusFailed:
	default:
		return fmt.Errorf("unknown ai_processing_status %q", p.AIProcessingStatus)
	}
	if !p.IsCached && (p.Comments != nil || p.Hashtags != nil || p.Images != nil) {
		return fmt.Errorf("skeleton post %d must not carry comments, hashtags or images", p.ID)
	}
	for i, img := range p.Images {
		if img.ID == "" {
			return fmt.Errorf("image %d: id is required", i)
		}
		if img.StoragePath == "" {
			return fmt.Errorf("image %s: storage_path is required", img.ID)
		}
	}
	return nil
}

// ValidateEntryDate checks that s is a calendar date in YYYY-MM-DD form.
func ValidateEntryDate(s string) error {
	if s == "" {
		return fmt.Errorf("entry_date is required")
	}
	if _, err := time.Parse(EntryDateLayout, s); err != nil {
		return fmt.Errorf("entry_date %q is not YYYY-MM-DD", s)
	}
	return nil
}

// HasDetail reports whether comments, hashtags and images were loaded.
func (p *Post) HasDetail() bool {
	return p.IsCached
}

// Skeleton returns a copy holding only the list-view fields.
func (p *Post) Skeleton() *Post {
	s := *p
	s.Mood = cloneString(p.Mood)
	s.Comments = nil
	s.Hashtags = nil
	s.Images = nil
	s.IsCached = false
	return &s
}

// Clone returns a deep copy of the Post.
func (p *Post) Clone() *Post {
	c := *p
	c.Mood = cloneString(p.Mood)
	if p.Comments != nil {
		c.Comments = append([]Comment{}, p.Comments...)
	}
	if p.Hashtags != nil {
		c.Hashtags = append([]string{}, p.Hashtags...)
	}
	if p.Images != nil {
		c.Images = make([]Image, len(p.Images))
		for i, img := range p.Images {
			img.FileSize = cloneInt64(img.FileSize)
			c.Images[i] = img
		}
	}
	return &c
}

// MoodValue returns the mood tag or "" when unset.
func (p *Post) MoodValue() string {
	if p.Mood == nil {
		return ""
	}
	return *p.Mood
}

// MatchesText reports whether needle occurs in the content, mood or entry
// date, ignoring ASCII case. An empty needle matches nothing.
func (p *Post) MatchesText(needle string) bool {
	if needle == "" {
		return false
	}
	return query.TextContainsFold(p.Content, needle) ||
		query.TextContainsFold(p.MoodValue(), needle) ||
		query.TextContainsFold(p.EntryDate, needle)
}

// Month returns the YYYY-MM prefix of the entry date.
func (p *Post) Month() string {
	if len(p.EntryDate) < 7 {
		return p.EntryDate
	}
	return p.EntryDate[:7]
}

// NormalizeHashtags trims, strips a leading '#', drops empties and removes
// duplicates keeping the first occurrence. A nil input stays nil.
func NormalizeHashtags(tags []string) []string {
	if tags == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
