package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

// PostFields are the queryable Post fields.
var PostFields = query.Fields{
	"id":                   {Name: "id", Kind: query.KindInt},
	"content":              {Name: "content", Kind: query.KindText},
	"mood":                 {Name: "mood", Kind: query.KindText},
	"entry_date":           {Name: "entry_date", Kind: query.KindDate},
	"created_at":           {Name: "created_at", Kind: query.KindTime},
	"updated_at":           {Name: "updated_at", Kind: query.KindTime},
	"allow_ai_comments":    {Name: "allow_ai_comments", Kind: query.KindBool},
	"ai_processing_status": {Name: "ai_processing_status", Kind: query.KindText},
	"ai_generated":         {Name: "ai_generated", Kind: query.KindBool},
	"last_synced":          {Name: "last_synced", Kind: query.KindTime},
	"is_cached":            {Name: "is_cached", Kind: query.KindBool},
}

// PostRecord adapts a Post to query.Record.
type PostRecord struct{ *schema.Post }

// Field implements query.Record.
func (r PostRecord) Field(name string) (any, bool) {
	p := r.Post
	switch name {
	case "id":
		return p.ID, true
	case "content":
		return p.Content, true
	case "mood":
		if p.Mood == nil {
			return nil, true
		}
		return *p.Mood, true
	case "entry_date":
		return p.EntryDate, true
	case "created_at":
		return p.CreatedAt, true
	case "updated_at":
		return p.UpdatedAt, true
	case "allow_ai_comments":
		return p.AllowAIComments, true
	case "ai_processing_status":
		return p.AIProcessingStatus, true
	case "ai_generated":
		return p.AIGenerated, true
	case "last_synced":
		return p.LastSynced, true
	case "is_cached":
		return p.IsCached, true
	}
	return nil, false
}

// PostRepository stores diary posts.
type PostRepository struct {
	base
}

// NewPostRepository creates a PostRepository.
func NewPostRepository(store Accessor, ids IdentityProvider, opts ...Option) *PostRepository {
	return &PostRepository{base: newBase(store, ids, opts)}
}

const upsertPostSQL = `
INSERT INTO posts (` + postColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, id) DO UPDATE SET
	content = excluded.content,
	mood = excluded.mood,
	entry_date = excluded.entry_date,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	allow_ai_comments = excluded.allow_ai_comments,
	ai_processing_status = excluded.ai_processing_status,
	ai_generated = excluded.ai_generated,
	comments = excluded.comments,
	hashtags = excluded.hashtags,
	images = excluded.images,
	last_synced = excluded.last_synced,
	is_cached = excluded.is_cached
`

// UpsertOne inserts or replaces p. See UpsertMany.
func (r *PostRepository) UpsertOne(ctx context.Context, p *schema.Post) error {
	return r.UpsertMany(ctx, []*schema.Post{p})
}

// UpsertMany inserts or replaces posts in one transaction: either all of
// them are written or none is.
//
// After a successful commit each post is stamped in place: OwnerID is
// filled with the current user when empty, hashtags are normalised and
// LastSynced is set to now. On failure the posts are left untouched.
// Comments, hashtags and images replace what was stored; nothing is merged.
func (r *PostRepository) UpsertMany(ctx context.Context, posts []*schema.Post) error {
	owner, store, err := r.scope()
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}

	now := r.now()
	staged := make([]*schema.Post, 0, len(posts))
	rows := make([][]any, 0, len(posts))
	for _, p := range posts {
		if p == nil {
			return invalid("nil post")
		}
		s := p.Clone()
		if s.OwnerID == "" {
			s.OwnerID = owner
		}
		if s.OwnerID != owner {
			return invalid("post %d belongs to %q, current user is %q", s.ID, s.OwnerID, owner)
		}
		s.Hashtags = schema.NormalizeHashtags(s.Hashtags)
		if err := s.Validate(); err != nil {
			return invalid("%v", err)
		}
		s.LastSynced = now

		args, err := postArgs(s)
		if err != nil {
			return invalid("post %d: %v", s.ID, err)
		}
		staged = append(staged, s)
		rows = append(rows, args)
	}

	err = store.WriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertPostSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, args := range rows {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("post %d: %w", staged[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return errs.Write("upsert posts", err)
	}

	// Stamps become visible to the caller only once committed.
	for i, p := range posts {
		*p = *staged[i]
	}

	r.logger.Debug("upserted posts", zap.String("owner", owner), zap.Int("count", len(posts)))
	return nil
}

// GetByID returns the post with id, or errs.ErrNotFound.
func (r *PostRepository) GetByID(ctx context.Context, id int64) (*schema.Post, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}

	row := store.Conn().QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE owner_id = ? AND id = ?`, owner, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Read(fmt.Sprintf("get post %d", id), err)
	}
	return p, nil
}

// GetManyByIDs returns the posts that exist among ids, in the order of ids.
// Missing ids are skipped.
func (r *PostRepository) GetManyByIDs(ctx context.Context, ids []int64) ([]*schema.Post, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}
	ids = uniqueIDs(ids)

	found := make(map[int64]*schema.Post, len(ids))
	for _, chunk := range chunkIDs(ids) {
		q := `SELECT ` + postColumns + ` FROM posts WHERE owner_id = ? AND id IN (` + placeholders(len(chunk)) + `)`
		posts, err := r.collect(ctx, store.Conn(), q, ownerArgs(owner, chunk))
		if err != nil {
			return nil, errs.Read("get posts", err)
		}
		for _, p := range posts {
			found[p.ID] = p
		}
	}

	out := make([]*schema.Post, 0, len(found))
	for _, id := range ids {
		if p, ok := found[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Query returns the posts matching filter in sort order. Without a sort
// field posts come newest entry date first.
func (r *PostRepository) Query(ctx context.Context, filter query.Filter, order query.Sort) ([]*schema.Post, error) {
	return r.QueryPage(ctx, filter, order, 0, 0)
}

// QueryPage is Query with LIMIT/OFFSET. limit <= 0 means no limit.
func (r *PostRepository) QueryPage(ctx context.Context, filter query.Filter, order query.Sort, limit, offset int) ([]*schema.Post, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}

	where, args, err := filter.Compile(PostFields)
	if err != nil {
		return nil, err
	}
	tiebreak := "entry_date DESC, id DESC"
	if order.Field != "" {
		tiebreak = "id ASC"
	}
	orderBy, err := order.Compile(PostFields, tiebreak)
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + postColumns + ` FROM posts WHERE owner_id = ? AND ` + where + ` ORDER BY ` + orderBy
	args = append([]any{owner}, args...)
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	posts, err := r.collect(ctx, store.Conn(), q, args)
	if err != nil {
		return nil, errs.Read("query posts", err)
	}
	return posts, nil
}

// Count returns the number of posts matching filter.
func (r *PostRepository) Count(ctx context.Context, filter query.Filter) (int, error) {
	owner, store, err := r.scope()
	if err != nil {
		return 0, err
	}
	where, args, err := filter.Compile(PostFields)
	if err != nil {
		return 0, err
	}

	var n int
	err = store.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE owner_id = ? AND `+where,
		append([]any{owner}, args...)...).Scan(&n)
	if err != nil {
		return 0, errs.Read("count posts", err)
	}
	return n, nil
}

// ListMonth returns the posts of a YYYY-MM month, newest first.
func (r *PostRepository) ListMonth(ctx context.Context, month string) ([]*schema.Post, error) {
	return r.Query(ctx, query.And(query.Prefix("entry_date", month+"-")), query.Sort{Field: "entry_date", Desc: true})
}

// Search scans every post of the current user for text in the content,
// mood or entry date. It checks ctx between rows and returns ctx.Err()
// as soon as cancellation is observed.
func (r *PostRepository) Search(ctx context.Context, text string) ([]*schema.Post, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}

	rows, err := store.Conn().QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE owner_id = ? ORDER BY entry_date DESC, id DESC`, owner)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Read("search posts", err)
	}
	defer rows.Close()

	var out []*schema.Post
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := scanPost(rows)
		if err != nil {
			return nil, errs.Read("search posts", err)
		}
		if p.MatchesText(text) {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Read("search posts", err)
	}
	return out, nil
}

// DeleteByID removes one post. Deleting a missing post is not an error.
func (r *PostRepository) DeleteByID(ctx context.Context, id int64) error {
	_, err := r.DeleteMany(ctx, []int64{id})
	return err
}

// DeleteMany removes the posts among ids in one transaction and returns
// how many existed. Unknown ids are ignored.
func (r *PostRepository) DeleteMany(ctx context.Context, ids []int64) (int64, error) {
	owner, store, err := r.scope()
	if err != nil {
		return 0, err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err = store.WriteTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkIDs(ids) {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM posts WHERE owner_id = ? AND id IN (`+placeholders(len(chunk))+`)`,
				ownerArgs(owner, chunk)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, errs.Write("delete posts", err)
	}

	r.logger.Debug("deleted posts", zap.String("owner", owner), zap.Int64("count", deleted))
	return deleted, nil
}

// DeleteEntryDatesBefore removes posts whose entry date is strictly before
// date (YYYY-MM-DD) and returns how many were removed.
func (r *PostRepository) DeleteEntryDatesBefore(ctx context.Context, date string) (int64, error) {
	if err := schema.ValidateEntryDate(date); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrInvalidQuery, err)
	}
	owner, store, err := r.scope()
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE owner_id = ? AND entry_date < ?`, owner, date)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errs.Write("delete old posts", err)
	}
	return deleted, nil
}

// DistinctValues returns the distinct non-NULL values of field in ascending
// order, e.g. DistinctValues(ctx, "entry_date") for calendar marks.
func (r *PostRepository) DistinctValues(ctx context.Context, field string) ([]any, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}
	return distinct(ctx, store.Conn(), "posts", PostFields, field, owner)
}

// EntryDates returns the distinct entry dates, optionally limited to a
// YYYY-MM month.
func (r *PostRepository) EntryDates(ctx context.Context, month string) ([]string, error) {
	values, err := r.DistinctValues(ctx, "entry_date")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		s := v.(string)
		if month != "" && (len(s) < 8 || s[:7] != month) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *PostRepository) collect(ctx context.Context, conn *sql.DB, q string, args []any) ([]*schema.Post, error) {
	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*schema.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

// distinct runs SELECT DISTINCT over one column and converts the values to
// the canonical type of the field.
func distinct(ctx context.Context, conn *sql.DB, table string, fields query.Fields, field, owner string) ([]any, error) {
	col, ok := fields[field]
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q", errs.ErrInvalidQuery, field)
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT DISTINCT `+col.Name+` FROM `+table+` WHERE owner_id = ? AND `+col.Name+` IS NOT NULL ORDER BY 1`, owner)
	if err != nil {
		return nil, errs.Read("distinct "+field, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		v, err := scanCanonical(rows, col.Kind)
		if err != nil {
			return nil, errs.Read("distinct "+field, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Read("distinct "+field, err)
	}

	// Booleans and times sort by their Go value, not their stored form.
	sort.SliceStable(out, func(i, j int) bool {
		return query.Compare(col.Kind, out[i], out[j]) < 0
	})
	return out, nil
}

func scanCanonical(rows *sql.Rows, kind query.Kind) (any, error) {
	switch kind {
	case query.KindInt:
		var n int64
		err := rows.Scan(&n)
		return n, err
	case query.KindBool:
		var b bool
		err := rows.Scan(&b)
		return b, err
	case query.KindTime:
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		return db.ParseTime(s)
	default:
		var s string
		err := rows.Scan(&s)
		return s, err
	}
}
