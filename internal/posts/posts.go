// Package posts owns the posts table: creating top-level posts and replies,
// listing the feed variants of spec.md §6 (home, public, curated, swarm),
// and applying the local side effects of a like/repost — the user-facing
// counterpart to internal/interactions, which carries the same verbs across
// node boundaries.
package posts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/models"
)

// MaxContentLength bounds a post's content, mirroring the short-form limit
// the teacher's own post composer enforces.
const MaxContentLength = 500

// CuratedWindow is how far back the curated feed looks, per spec.md §6.
const CuratedWindow = 72 * time.Hour

var (
	// ErrNotFound is returned when a post lookup matches no row.
	ErrNotFound = errors.New("posts: not found")
	// ErrEmptyContent is returned when a non-repost post has no content.
	ErrEmptyContent = errors.New("posts: content is required")
	// ErrContentTooLong is returned when content exceeds MaxContentLength runes.
	ErrContentTooLong = errors.New("posts: content too long")
	// ErrRepostOfRepost is returned when the target of a repost is itself a
	// repost; reposts never chain.
	ErrRepostOfRepost = errors.New("posts: cannot repost a repost")
	// ErrAlreadyReposted is returned when the actor has already reposted the
	// target post.
	ErrAlreadyReposted = errors.New("posts: already reposted")
)

// Service implements post CRUD and feed listing over the shared pool.
type Service struct {
	pool       *pgxpool.Pool
	nodeDomain string
}

// New creates a Service.
func New(pool *pgxpool.Pool, nodeDomain string) *Service {
	return &Service{pool: pool, nodeDomain: nodeDomain}
}

// authorRow carries the joined author columns every listing query needs to
// compute a post's full handle without a second round trip.
type authorRow struct {
	handle           string
	remoteNodeDomain *string
}

func (a authorRow) fullHandle() string {
	if a.remoteNodeDomain != nil {
		return a.handle + "@" + *a.remoteNodeDomain
	}
	return a.handle
}

// Create inserts a new top-level post or reply. If replyToID is non-nil, the
// parent post is returned alongside so the caller can decide whether the
// reply also needs to be queued for swarm delivery (internal/interactions),
// which this package deliberately does not import.
func (s *Service) Create(ctx context.Context, author *models.User, content string, replyToID *string) (post *models.Post, parent *models.Post, err error) {
	content = trimToValid(content)
	if content == "" {
		return nil, nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, nil, ErrContentTooLong
	}

	if replyToID != nil {
		parent, err = s.GetByID(ctx, *replyToID)
		if err != nil {
			return nil, nil, err
		}
	}

	id := models.NewULID().String()
	apID := fmt.Sprintf("https://%s/posts/%s", s.nodeDomain, id)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO posts (id, user_id, content, reply_to_id, repost_of_id, ap_id, created_at)
		 VALUES ($1,$2,$3,$4,NULL,$5, now())`,
		id, author.ID, content, replyToID, apID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting post: %w", err)
	}

	if parent != nil {
		if _, _, mirrorOK := parent.IsSwarmMirror(); !mirrorOK {
			if _, err := s.pool.Exec(ctx, `UPDATE posts SET replies_count = replies_count + 1 WHERE id = $1`, parent.ID); err != nil {
				return nil, nil, fmt.Errorf("incrementing parent reply count: %w", err)
			}
		}
	}

	post, err = s.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return post, parent, nil
}

// Repost creates a pure-repost row (empty content, RepostOfID set) pointing
// at targetID. The target post is returned so the caller can decide whether
// the repost also needs to be queued for swarm delivery.
func (s *Service) Repost(ctx context.Context, actor *models.User, targetID string) (repost *models.Post, target *models.Post, err error) {
	target, err = s.GetByID(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	if target.RepostOfID != nil {
		return nil, nil, ErrRepostOfRepost
	}

	var alreadyExists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM posts WHERE user_id = $1 AND repost_of_id = $2)`,
		actor.ID, target.ID,
	).Scan(&alreadyExists)
	if err != nil {
		return nil, nil, err
	}
	if alreadyExists {
		return nil, nil, ErrAlreadyReposted
	}

	id := models.NewULID().String()
	apID := fmt.Sprintf("https://%s/posts/%s", s.nodeDomain, id)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO posts (id, user_id, content, reply_to_id, repost_of_id, ap_id, created_at)
		 VALUES ($1,$2,'',NULL,$3,$4, now())`,
		id, actor.ID, target.ID, apID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting repost: %w", err)
	}

	if _, _, mirrorOK := target.IsSwarmMirror(); !mirrorOK {
		if _, err := s.pool.Exec(ctx, `UPDATE posts SET reposts_count = reposts_count + 1 WHERE id = $1`, target.ID); err != nil {
			return nil, nil, fmt.Errorf("incrementing repost count: %w", err)
		}
	}

	repost, err = s.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return repost, target, nil
}

// Unrepost removes actor's repost of targetID, if any, and returns the
// target post so the caller can decide whether an unrepost needs to be
// queued for swarm delivery. It is a no-op (target still returned) if actor
// never reposted it.
func (s *Service) Unrepost(ctx context.Context, actor *models.User, targetID string) (target *models.Post, removed bool, err error) {
	target, err = s.GetByID(ctx, targetID)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE user_id = $1 AND repost_of_id = $2`, actor.ID, target.ID)
	if err != nil {
		return nil, false, err
	}
	removed = tag.RowsAffected() > 0
	if removed {
		if _, _, mirrorOK := target.IsSwarmMirror(); !mirrorOK {
			if _, err := s.pool.Exec(ctx, `UPDATE posts SET reposts_count = GREATEST(reposts_count - 1, 0) WHERE id = $1`, target.ID); err != nil {
				return nil, false, err
			}
		}
	}
	return target, removed, nil
}

// Like records that actor liked targetID, returning the target post so the
// caller can decide whether the like needs to be queued for swarm delivery.
func (s *Service) Like(ctx context.Context, actor *models.User, targetID string) (target *models.Post, err error) {
	target, err = s.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO likes (id, post_id, user_handle) VALUES ($1,$2,$3) ON CONFLICT (post_id, user_handle) DO NOTHING`,
		models.NewULID().String(), target.ID, actor.FullHandle(),
	)
	if err != nil {
		return nil, fmt.Errorf("recording like: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return target, nil // already liked: idempotent no-op.
	}

	if _, _, mirrorOK := target.IsSwarmMirror(); !mirrorOK {
		if _, err := s.pool.Exec(ctx, `UPDATE posts SET likes_count = likes_count + 1 WHERE id = $1`, target.ID); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// Unlike removes actor's like of targetID, returning the target post.
func (s *Service) Unlike(ctx context.Context, actor *models.User, targetID string) (target *models.Post, err error) {
	target, err = s.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM likes WHERE post_id = $1 AND user_handle = $2`, target.ID, actor.FullHandle())
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return target, nil
	}

	if _, _, mirrorOK := target.IsSwarmMirror(); !mirrorOK {
		if _, err := s.pool.Exec(ctx, `UPDATE posts SET likes_count = GREATEST(likes_count - 1, 0) WHERE id = $1`, target.ID); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// GetByID returns the post matching id, whether id is a local row ID or a
// (possibly swarm-mirrored) apId.
func (s *Service) GetByID(ctx context.Context, id string) (*models.Post, error) {
	var p models.Post
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, content, reply_to_id, repost_of_id, ap_id,
		        likes_count, reposts_count, replies_count, is_removed, created_at
		 FROM posts WHERE (id = $1 OR ap_id = $1) AND is_removed = false`, id,
	).Scan(&p.ID, &p.UserID, &p.Content, &p.ReplyToID, &p.RepostOfID, &p.ApID,
		&p.LikesCount, &p.RepostsCount, &p.RepliesCount, &p.IsRemoved, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPublic returns the most recent non-removed posts, local or mirrored.
func (s *Service) ListPublic(ctx context.Context, limit int) ([]models.Post, error) {
	return s.queryPosts(ctx,
		`SELECT id, user_id, content, reply_to_id, repost_of_id, ap_id,
		        likes_count, reposts_count, replies_count, is_removed, created_at
		 FROM posts WHERE is_removed = false ORDER BY created_at DESC LIMIT $1`, limit)
}

// ListSwarm returns the most recent posts mirrored from other nodes.
func (s *Service) ListSwarm(ctx context.Context, limit int) ([]models.Post, error) {
	return s.queryPosts(ctx,
		`SELECT id, user_id, content, reply_to_id, repost_of_id, ap_id,
		        likes_count, reposts_count, replies_count, is_removed, created_at
		 FROM posts WHERE is_removed = false AND ap_id LIKE 'swarm:%'
		 ORDER BY created_at DESC LIMIT $1`, limit)
}

// ListByLocalHandle returns the most recent non-removed posts by this node's
// own user with the given bare handle.
func (s *Service) ListByLocalHandle(ctx context.Context, handle string, limit int) ([]models.Post, error) {
	return s.queryPosts(ctx,
		`SELECT p.id, p.user_id, p.content, p.reply_to_id, p.repost_of_id, p.ap_id,
		        p.likes_count, p.reposts_count, p.replies_count, p.is_removed, p.created_at
		 FROM posts p JOIN users u ON u.id = p.user_id
		 WHERE p.is_removed = false AND u.handle = $1 AND u.remote_node_domain IS NULL
		 ORDER BY p.created_at DESC LIMIT $2`, handle, limit)
}

// ListByUserID returns the most recent non-removed posts by the given user,
// local or mirrored.
func (s *Service) ListByUserID(ctx context.Context, userID string, limit int) ([]models.Post, error) {
	return s.queryPosts(ctx,
		`SELECT id, user_id, content, reply_to_id, repost_of_id, ap_id,
		        likes_count, reposts_count, replies_count, is_removed, created_at
		 FROM posts WHERE is_removed = false AND user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

// ListReplies returns replies to parentID, oldest first.
func (s *Service) ListReplies(ctx context.Context, parentID string, limit int) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, reply_to_id, repost_of_id, ap_id,
		        likes_count, reposts_count, replies_count, is_removed, created_at
		 FROM posts WHERE is_removed = false AND reply_to_id = $1
		 ORDER BY created_at ASC LIMIT $2`, parentID, limit)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// ListHome returns posts authored by user or anyone user follows, newest
// first — the default authenticated timeline of spec.md §6.
func (s *Service) ListHome(ctx context.Context, user *models.User, limit int) ([]models.Post, error) {
	return s.queryPosts(ctx,
		`SELECT p.id, p.user_id, p.content, p.reply_to_id, p.repost_of_id, p.ap_id,
		        p.likes_count, p.reposts_count, p.replies_count, p.is_removed, p.created_at
		 FROM posts p JOIN users u ON u.id = p.user_id
		 WHERE p.is_removed = false AND (
		     p.user_id = $1
		     OR (u.handle || COALESCE('@' || u.remote_node_domain, '')) IN (
		         SELECT followee_handle FROM follows WHERE follower_handle = $2
		     )
		 )
		 ORDER BY p.created_at DESC LIMIT $3`,
		user.ID, user.FullHandle(), limit)
}

// ListCurated implements the scored feed of spec.md §6: the 1000 most recent
// posts from the trailing CuratedWindow are scored with CuratedScore and
// returned highest-scoring first, ties broken by createdAt descending. Older
// posts in the window beyond those 1000 are not scored.
func (s *Service) ListCurated(ctx context.Context, user *models.User, limit int) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.user_id, p.content, p.reply_to_id, p.repost_of_id, p.ap_id,
		        p.likes_count, p.reposts_count, p.replies_count, p.is_removed, p.created_at,
		        u.handle, u.remote_node_domain
		 FROM posts p JOIN users u ON u.id = p.user_id
		 WHERE p.is_removed = false AND p.created_at >= $1
		 ORDER BY p.created_at DESC LIMIT 1000`,
		time.Now().Add(-CuratedWindow),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		post       models.Post
		author     authorRow
		followedBy bool
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.post.ID, &c.post.UserID, &c.post.Content, &c.post.ReplyToID, &c.post.RepostOfID, &c.post.ApID,
			&c.post.LikesCount, &c.post.RepostsCount, &c.post.RepliesCount, &c.post.IsRemoved, &c.post.CreatedAt,
			&c.author.handle, &c.author.remoteNodeDomain); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	following, err := s.followeeSet(ctx, user.FullHandle())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scored := make([]scoredPost, 0, len(candidates))
	for _, c := range candidates {
		isSelf := c.post.UserID == user.ID
		isFollowed := following[c.author.fullHandle()]
		ageHours := now.Sub(c.post.CreatedAt).Hours()
		score := CuratedScore(c.post.LikesCount, c.post.RepostsCount, c.post.RepliesCount, ageHours, isFollowed, isSelf)
		scored = append(scored, scoredPost{post: c.post, score: score})
	}

	sortScoredPosts(scored)

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]models.Post, len(scored))
	for i, sp := range scored {
		out[i] = sp.post
	}
	return out, nil
}

type scoredPost struct {
	post  models.Post
	score float64
}

// sortScoredPosts sorts by score descending, ties broken by createdAt
// descending, matching spec.md §6 exactly.
func sortScoredPosts(scored []scoredPost) {
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0; j-- {
			if lessScored(scored[j], scored[j-1]) {
				scored[j], scored[j-1] = scored[j-1], scored[j]
			} else {
				break
			}
		}
	}
}

func lessScored(a, b scoredPost) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.post.CreatedAt.After(b.post.CreatedAt)
}

// CuratedScore computes the spec.md §6 curated-feed score for a single post:
//
//	1.4*ln(1+likes+2*reposts+0.5*replies) + 1.1*max(0,1-ageHours/72) + 0.9*follow + 0.5*self
func CuratedScore(likes, reposts, replies int, ageHours float64, isFollowed, isSelf bool) float64 {
	engagement := 1.4 * math.Log(1+float64(likes)+2*float64(reposts)+0.5*float64(replies))
	recency := 1.1 * math.Max(0, 1-ageHours/72)
	var follow, self float64
	if isFollowed {
		follow = 0.9
	}
	if isSelf {
		self = 0.5
	}
	return engagement + recency + follow + self
}

func (s *Service) followeeSet(ctx context.Context, followerFullHandle string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT followee_handle FROM follows WHERE follower_handle = $1`, followerFullHandle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		set[h] = true
	}
	return set, rows.Err()
}

func (s *Service) queryPosts(ctx context.Context, sql string, args ...any) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

func scanPosts(rows pgx.Rows) ([]models.Post, error) {
	defer rows.Close()
	var out []models.Post
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.UserID, &p.Content, &p.ReplyToID, &p.RepostOfID, &p.ApID,
			&p.LikesCount, &p.RepostsCount, &p.RepliesCount, &p.IsRemoved, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func trimToValid(s string) string {
	if !utf8.ValidString(s) {
		return ""
	}
	return s
}
