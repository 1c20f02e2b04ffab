package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the unit of work used by publish. Implementations hold a write lock
// on the draft from LockDraft until the transaction ends.
type Tx interface {
	LockDraft(ctx context.Context, draftID string) (Draft, error)
	GetGroup(ctx context.Context, groupID string) (Group, error)
	MemberRole(ctx context.Context, groupID, actorID string) (string, error)
	GetPost(ctx context.Context, postID string) (Post, error)
	InsertPost(ctx context.Context, post Post) error
	UpdatePost(ctx context.Context, post Post) error
	DeletePostBlocks(ctx context.Context, postID string) error
	InsertBlocks(ctx context.Context, postID string, blocks []PostBlock) error
	InsertContributors(ctx context.Context, postID string, actorIDs []string, role string) error
	DeactivateDraft(ctx context.Context, draftID string) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const draftColumns = `id, group_id, owner_id, kind, target_post_id, snapshot, version, is_active, created_at, updated_at`

func scanDraft(row interface{ Scan(...any) error }) (Draft, error) {
	var d Draft
	var target sql.NullString
	var snapshot []byte
	if err := row.Scan(&d.ID, &d.GroupID, &d.OwnerID, &d.Kind, &target, &snapshot, &d.Version, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Draft{}, err
	}
	if target.Valid {
		d.TargetPostID = &target.String
	}
	d.Snapshot = json.RawMessage(snapshot)
	return d, nil
}

func getGroup(ctx context.Context, q querier, groupID string) (Group, error) {
	var g Group
	err := q.QueryRowContext(ctx, `SELECT id, name, timezone, created_at FROM groups WHERE id=$1`, groupID).
		Scan(&g.ID, &g.Name, &g.Timezone, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func memberRole(ctx context.Context, q querier, groupID, actorID string) (string, error) {
	var role string
	err := q.QueryRowContext(ctx, `SELECT role FROM group_memberships WHERE group_id=$1 AND actor_id=$2`, groupID, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func getPost(ctx context.Context, q querier, postID string) (Post, error) {
	var p Post
	var meta []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, group_id, created_by, title, event_at, meta, created_at, updated_at
		FROM posts WHERE id=$1
	`, postID).Scan(&p.ID, &p.GroupID, &p.CreatedBy, &p.Title, &p.EventAt, &meta, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post: %w", err)
	}
	p.Meta = json.RawMessage(meta)
	return p, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	return getGroup(ctx, s.db, groupID)
}

func (s *PostgresStore) MemberRole(ctx context.Context, groupID, actorID string) (string, error) {
	return memberRole(ctx, s.db, groupID, actorID)
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	return getPost(ctx, s.db, postID)
}

func (s *PostgresStore) ListPosts(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, created_by, title, event_at, meta, created_at, updated_at
		FROM posts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var p Post
		var meta []byte
		if err := rows.Scan(&p.ID, &p.GroupID, &p.CreatedBy, &p.Title, &p.EventAt, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Meta = json.RawMessage(meta)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPostBlocks(ctx context.Context, postID string) ([]PostBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, block_id, type, row_index, col_index, span, parent_id, value
		FROM post_blocks WHERE post_id=$1
		ORDER BY parent_id NULLS FIRST, row_index, col_index
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list post blocks: %w", err)
	}
	defer rows.Close()

	var out []PostBlock
	for rows.Next() {
		var b PostBlock
		var parent sql.NullString
		var value []byte
		if err := rows.Scan(&b.PostID, &b.BlockID, &b.Type, &b.Row, &b.Col, &b.Span, &parent, &value); err != nil {
			return nil, fmt.Errorf("scan post block: %w", err)
		}
		if parent.Valid {
			b.ParentID = &parent.String
		}
		b.Value = json.RawMessage(value)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListContributors(ctx context.Context, postID string) ([]Contributor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT post_id, actor_id, role FROM post_contributors WHERE post_id=$1 ORDER BY actor_id`, postID)
	if err != nil {
		return nil, fmt.Errorf("list contributors: %w", err)
	}
	defer rows.Close()

	var out []Contributor
	for rows.Next() {
		var c Contributor
		if err := rows.Scan(&c.PostID, &c.ActorID, &c.Role); err != nil {
			return nil, fmt.Errorf("scan contributor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDraft(ctx context.Context, draftID string) (Draft, error) {
	d, err := scanDraft(s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=$1`, draftID))
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetActiveDraft(ctx context.Context, groupID string) (Draft, error) {
	d, err := scanDraft(s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE group_id=$1 AND is_active`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("get active draft: %w", err)
	}
	return d, nil
}

// GetOrCreateActiveDraft inserts candidate unless the group already has an
// active draft, in which case that draft is returned. The partial unique
// index on (group_id) WHERE is_active settles concurrent callers.
func (s *PostgresStore) GetOrCreateActiveDraft(ctx context.Context, candidate Draft) (Draft, bool, error) {
	d, err := scanDraft(s.db.QueryRowContext(ctx, `
		INSERT INTO drafts (id, group_id, owner_id, kind, target_post_id, snapshot, version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, 0, TRUE)
		ON CONFLICT (group_id) WHERE is_active DO NOTHING
		RETURNING `+draftColumns,
		candidate.ID, candidate.GroupID, candidate.OwnerID, candidate.Kind, candidate.TargetPostID, []byte(candidate.Snapshot),
	))
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return Draft{}, false, fmt.Errorf("insert draft: %w", err)
	}

	existing, err := s.GetActiveDraft(ctx, candidate.GroupID)
	if errors.Is(err, ErrNotFound) {
		// The winner published between our insert and read.
		return Draft{}, false, ErrActiveDraftExists
	}
	if err != nil {
		return Draft{}, false, err
	}
	return existing, false, nil
}

// CommitPatch stores snapshot as version baseVersion+1 if the draft is still
// active at baseVersion, and journals entry in the same transaction.
func (s *PostgresStore) CommitPatch(ctx context.Context, draftID string, baseVersion int64, snapshot json.RawMessage, entry PatchEntry) (CommitResult, error) {
	compressed, err := compressCommands(entry.Commands)
	if err != nil {
		return CommitResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `
		UPDATE drafts SET snapshot=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2 AND is_active
		RETURNING version
	`, draftID, baseVersion, []byte(snapshot)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var current int64
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT version, is_active FROM drafts WHERE id=$1`, draftID).Scan(&current, &active)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return CommitResult{}, ErrNotFound
		}
		if err != nil {
			return CommitResult{}, fmt.Errorf("read draft version: %w", err)
		}
		return CommitResult{Applied: false, Version: current}, nil
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("update draft: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO draft_patches (draft_id, version, actor_id, session_id, commands)
		VALUES ($1, $2, $3, $4, $5)
	`, draftID, version, entry.ActorID, entry.SessionID, compressed); err != nil {
		return CommitResult{}, fmt.Errorf("journal patch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit patch: %w", err)
	}
	return CommitResult{Applied: true, Version: version}, nil
}

// ListPatches returns the batches committed after sinceVersion in order.
func (s *PostgresStore) ListPatches(ctx context.Context, draftID string, sinceVersion int64) ([]PatchEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT draft_id, version, actor_id, session_id, commands, created_at
		FROM draft_patches WHERE draft_id=$1 AND version > $2
		ORDER BY version
	`, draftID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	var out []PatchEntry
	for rows.Next() {
		var e PatchEntry
		var compressed []byte
		if err := rows.Scan(&e.DraftID, &e.Version, &e.ActorID, &e.SessionID, &compressed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		raw, err := decompressCommands(compressed)
		if err != nil {
			return nil, err
		}
		e.Commands = json.RawMessage(raw)
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithTx runs fn in a transaction, committing only if fn returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) LockDraft(ctx context.Context, draftID string) (Draft, error) {
	d, err := scanDraft(t.q.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=$1 FOR UPDATE`, draftID))
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("lock draft: %w", err)
	}
	return d, nil
}

func (t *pgTx) GetGroup(ctx context.Context, groupID string) (Group, error) {
	return getGroup(ctx, t.q, groupID)
}

func (t *pgTx) MemberRole(ctx context.Context, groupID, actorID string) (string, error) {
	return memberRole(ctx, t.q, groupID, actorID)
}

func (t *pgTx) GetPost(ctx context.Context, postID string) (Post, error) {
	return getPost(ctx, t.q, postID)
}

func (t *pgTx) InsertPost(ctx context.Context, post Post) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO posts (id, group_id, created_by, title, event_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, post.ID, post.GroupID, post.CreatedBy, post.Title, post.EventAt, []byte(post.Meta))
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePost(ctx context.Context, post Post) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE posts SET title=$2, event_at=$3, meta=$4, updated_at=NOW() WHERE id=$1
	`, post.ID, post.Title, post.EventAt, []byte(post.Meta))
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeletePostBlocks(ctx context.Context, postID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM post_blocks WHERE post_id=$1`, postID); err != nil {
		return fmt.Errorf("delete post blocks: %w", err)
	}
	return nil
}

func (t *pgTx) InsertBlocks(ctx context.Context, postID string, blocks []PostBlock) error {
	for _, b := range blocks {
		var parent any
		if b.ParentID != nil {
			parent = *b.ParentID
		}
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO post_blocks (post_id, block_id, type, row_index, col_index, span, parent_id, value)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, postID, b.BlockID, b.Type, b.Row, b.Col, b.Span, parent, []byte(b.Value)); err != nil {
			return fmt.Errorf("insert block %s: %w", b.BlockID, err)
		}
	}
	return nil
}

func (t *pgTx) InsertContributors(ctx context.Context, postID string, actorIDs []string, role string) error {
	for _, actorID := range actorIDs {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO post_contributors (post_id, actor_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id, actor_id) DO NOTHING
		`, postID, actorID, role); err != nil {
			return fmt.Errorf("insert contributor %s: %w", actorID, err)
		}
	}
	return nil
}

func (t *pgTx) DeactivateDraft(ctx context.Context, draftID string) error {
	res, err := t.q.ExecContext(ctx, `UPDATE drafts SET is_active=FALSE, updated_at=NOW() WHERE id=$1 AND is_active`, draftID)
	if err != nil {
		return fmt.Errorf("deactivate draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("deactivate draft: %w", ErrNotFound)
	}
	return nil
}
