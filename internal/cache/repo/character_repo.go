package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

// CharacterFields are the queryable Character fields.
var CharacterFields = query.Fields{
	"id":             {Name: "id", Kind: query.KindInt},
	"name":           {Name: "name", Kind: query.KindText},
	"name_localized": {Name: "name_localized", Kind: query.KindText},
	"description":    {Name: "description", Kind: query.KindText},
	"is_following":   {Name: "is_following", Kind: query.KindBool},
	"affinity":       {Name: "affinity", Kind: query.KindInt},
	"follow_id":      {Name: "follow_id", Kind: query.KindInt},
	"last_synced":    {Name: "last_synced", Kind: query.KindTime},
}

// CharacterRecord adapts a Character to query.Record.
type CharacterRecord struct{ *schema.Character }

// Field implements query.Record.
func (r CharacterRecord) Field(name string) (any, bool) {
	c := r.Character
	switch name {
	case "id":
		return c.ID, true
	case "name":
		return c.Name, true
	case "name_localized":
		if c.NameLocalized == nil {
			return nil, true
		}
		return *c.NameLocalized, true
	case "description":
		return c.Description, true
	case "is_following":
		return c.IsFollowing, true
	case "affinity":
		return int64(c.Affinity), true
	case "follow_id":
		if c.FollowID == nil {
			return nil, true
		}
		return *c.FollowID, true
	case "last_synced":
		return c.LastSynced, true
	}
	return nil, false
}

// CharacterRepository stores follower characters.
type CharacterRepository struct {
	base
}

// NewCharacterRepository creates a CharacterRepository.
func NewCharacterRepository(store Accessor, ids IdentityProvider, opts ...Option) *CharacterRepository {
	return &CharacterRepository{base: newBase(store, ids, opts)}
}

const upsertCharacterSQL = `
INSERT INTO characters (` + characterColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, id) DO UPDATE SET
	name = excluded.name,
	name_localized = excluded.name_localized,
	description = excluded.description,
	description_localized = excluded.description_localized,
	prompt_description = excluded.prompt_description,
	avatar_url = excluded.avatar_url,
	personality = excluded.personality,
	greetings = excluded.greetings,
	is_following = excluded.is_following,
	affinity = excluded.affinity,
	follow_id = excluded.follow_id,
	last_synced = excluded.last_synced
`

// UpsertOne inserts or replaces c. See UpsertMany.
func (r *CharacterRepository) UpsertOne(ctx context.Context, c *schema.Character) error {
	return r.UpsertMany(ctx, []*schema.Character{c})
}

// UpsertMany inserts or replaces characters in one transaction. Personality
// and greetings replace what was stored. After commit each character is
// stamped in place with the owner and LastSynced = now.
func (r *CharacterRepository) UpsertMany(ctx context.Context, chars []*schema.Character) error {
	owner, store, err := r.scope()
	if err != nil {
		return err
	}
	if len(chars) == 0 {
		return nil
	}

	now := r.now()
	staged := make([]*schema.Character, 0, len(chars))
	rows := make([][]any, 0, len(chars))
	for _, c := range chars {
		if c == nil {
			return invalid("nil character")
		}
		s := c.Clone()
		if s.OwnerID == "" {
			s.OwnerID = owner
		}
		if s.OwnerID != owner {
			return invalid("character %d belongs to %q, current user is %q", s.ID, s.OwnerID, owner)
		}
		if err := s.Validate(); err != nil {
			return invalid("%v", err)
		}
		s.LastSynced = now

		args, err := characterArgs(s)
		if err != nil {
			return invalid("character %d: %v", s.ID, err)
		}
		staged = append(staged, s)
		rows = append(rows, args)
	}

	err = store.WriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertCharacterSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, args := range rows {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("character %d: %w", staged[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return errs.Write("upsert characters", err)
	}

	for i, c := range chars {
		*c = *staged[i]
	}
	r.logger.Debug("upserted characters", zap.String("owner", owner), zap.Int("count", len(chars)))
	return nil
}

// GetByID returns the character with id, or errs.ErrNotFound.
func (r *CharacterRepository) GetByID(ctx context.Context, id int64) (*schema.Character, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}

	row := store.Conn().QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE owner_id = ? AND id = ?`, owner, id)
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("character %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Read(fmt.Sprintf("get character %d", id), err)
	}
	return c, nil
}

// GetManyByIDs returns the characters that exist among ids, in the order
// of ids.
func (r *CharacterRepository) GetManyByIDs(ctx context.Context, ids []int64) ([]*schema.Character, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}
	ids = uniqueIDs(ids)

	found := make(map[int64]*schema.Character, len(ids))
	for _, chunk := range chunkIDs(ids) {
		q := `SELECT ` + characterColumns + ` FROM characters WHERE owner_id = ? AND id IN (` + placeholders(len(chunk)) + `)`
		chars, err := collectCharacters(ctx, store.Conn(), q, ownerArgs(owner, chunk))
		if err != nil {
			return nil, errs.Read("get characters", err)
		}
		for _, c := range chars {
			found[c.ID] = c
		}
	}

	out := make([]*schema.Character, 0, len(found))
	for _, id := range ids {
		if c, ok := found[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Query returns the characters matching filter in sort order. Without a
// sort field characters come by name.
func (r *CharacterRepository) Query(ctx context.Context, filter query.Filter, order query.Sort) ([]*schema.Character, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}

	where, args, err := filter.Compile(CharacterFields)
	if err != nil {
		return nil, err
	}
	tiebreak := "name ASC, id ASC"
	if order.Field != "" {
		tiebreak = "id ASC"
	}
	orderBy, err := order.Compile(CharacterFields, tiebreak)
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + characterColumns + ` FROM characters WHERE owner_id = ? AND ` + where + ` ORDER BY ` + orderBy
	chars, err := collectCharacters(ctx, store.Conn(), q, append([]any{owner}, args...))
	if err != nil {
		return nil, errs.Read("query characters", err)
	}
	return chars, nil
}

// ListFollowing returns followed characters, highest affinity first.
func (r *CharacterRepository) ListFollowing(ctx context.Context) ([]*schema.Character, error) {
	return r.Query(ctx, query.And(query.Eq("is_following", true)), query.Sort{Field: "affinity", Desc: true})
}

// Count returns the number of characters matching filter.
func (r *CharacterRepository) Count(ctx context.Context, filter query.Filter) (int, error) {
	owner, store, err := r.scope()
	if err != nil {
		return 0, err
	}
	where, args, err := filter.Compile(CharacterFields)
	if err != nil {
		return 0, err
	}

	var n int
	err = store.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM characters WHERE owner_id = ? AND `+where,
		append([]any{owner}, args...)...).Scan(&n)
	if err != nil {
		return 0, errs.Read("count characters", err)
	}
	return n, nil
}

// SetFollowing records a follow or unfollow ahead of backend confirmation.
// Unfollowing clears the follow id.
func (r *CharacterRepository) SetFollowing(ctx context.Context, id int64, following bool, followID *int64) (*schema.Character, error) {
	return r.mutate(ctx, id, "set following", func(c *schema.Character) {
		c.IsFollowing = following
		if following {
			c.FollowID = followID
		} else {
			c.FollowID = nil
		}
	})
}

// AdjustAffinity adds delta to the affinity score ahead of backend
// confirmation.
func (r *CharacterRepository) AdjustAffinity(ctx context.Context, id int64, delta int) (*schema.Character, error) {
	return r.mutate(ctx, id, "adjust affinity", func(c *schema.Character) {
		c.Affinity += delta
	})
}

// mutate applies fn to the stored character inside one write transaction
// and refreshes LastSynced.
func (r *CharacterRepository) mutate(ctx context.Context, id int64, op string, fn func(*schema.Character)) (*schema.Character, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}

	var out *schema.Character
	err = store.WriteTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+characterColumns+` FROM characters WHERE owner_id = ? AND id = ?`, owner, id)
		c, err := scanCharacter(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("character %d: %w", id, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}

		fn(c)
		c.LastSynced = r.now()

		_, err = tx.ExecContext(ctx,
			`UPDATE characters SET is_following = ?, affinity = ?, follow_id = ?, last_synced = ?
			 WHERE owner_id = ? AND id = ?`,
			c.IsFollowing, c.Affinity, nullInt64(c.FollowID), db.FormatTime(c.LastSynced), owner, id)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, errs.Write(op, err)
	}
	return out, nil
}

// DeleteByID removes one character. Deleting a missing character is not
// an error.
func (r *CharacterRepository) DeleteByID(ctx context.Context, id int64) error {
	_, err := r.DeleteMany(ctx, []int64{id})
	return err
}

// DeleteMany removes the characters among ids in one transaction and
// returns how many existed.
func (r *CharacterRepository) DeleteMany(ctx context.Context, ids []int64) (int64, error) {
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
				`DELETE FROM characters WHERE owner_id = ? AND id IN (`+placeholders(len(chunk))+`)`,
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
		return 0, errs.Write("delete characters", err)
	}
	return deleted, nil
}

// DeleteSyncedBefore removes characters whose last_synced is strictly
// before cutoff and returns how many were removed.
func (r *CharacterRepository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	owner, store, err := r.scope()
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM characters WHERE owner_id = ? AND last_synced < ?`, owner, db.FormatTime(cutoff))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errs.Write("delete stale characters", err)
	}
	return deleted, nil
}

// DistinctValues returns the distinct non-NULL values of field in
// ascending order.
func (r *CharacterRepository) DistinctValues(ctx context.Context, field string) ([]any, error) {
	owner, store, err := r.scope()
	if err != nil {
		return nil, err
	}
	return distinct(ctx, store.Conn(), "characters", CharacterFields, field, owner)
}

func collectCharacters(ctx context.Context, conn *sql.DB, q string, args []any) ([]*schema.Character, error) {
	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chars []*schema.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chars, nil
}
