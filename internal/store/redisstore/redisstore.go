// Package redisstore keeps the package table in Redis, one set per
// repository.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix       = "reposync"
	KeyRepositories = "repos" // SET. Names of repositories holding packages.
	KeyRepo         = "repo"  // SET. reposync:repo:<name> -> package names.
	KeySeparator    = ":"
)

// Store is a Redis-backed package table.
type Store struct {
	cl  *redis.Client
	log *slog.Logger
}

// Open connects to the Redis server at url (redis://host:port/db) and pings
// it.
func Open(ctx context.Context, url string, log *slog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	cl := redis.NewClient(opt)
	if _, err := cl.Ping(ctx).Result(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("cannot ping redis: %w", err)
	}

	return New(cl, log), nil
}

// New wraps an existing client.
func New(cl *redis.Client, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		cl:  cl,
		log: log.With(slog.String("item", "RedisPackageTable")),
	}
}

func (s *Store) Close() error {
	return s.cl.Close()
}

func (s *Store) ListPackages(ctx context.Context, repo string) ([]string, error) {
	names, err := s.cl.SMembers(ctx, getKey(KeyPrefix, KeyRepo, repo)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list packages of %s: %w", repo, err)
	}
	sort.Strings(names)
	return names, nil
}

// ApplyDiff adds and removes names under repo in one MULTI/EXEC block and
// keeps the repository index in step: a repository is listed while its set
// is non-empty.
func (s *Store) ApplyDiff(ctx context.Context, repo string, added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	key := getKey(KeyPrefix, KeyRepo, repo)
	pipe := s.cl.TxPipeline()
	if len(added) > 0 {
		pipe.SAdd(ctx, key, toMembers(added)...)
	}
	if len(removed) > 0 {
		pipe.SRem(ctx, key, toMembers(removed)...)
	}
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cannot apply diff to %s: %w", repo, err)
	}

	index := getKey(KeyPrefix, KeyRepositories)
	var err error
	if card.Val() == 0 {
		err = s.cl.SRem(ctx, index, repo).Err()
	} else {
		err = s.cl.SAdd(ctx, index, repo).Err()
	}
	if err != nil {
		return fmt.Errorf("cannot update repository index for %s: %w", repo, err)
	}

	s.log.Debug("Applied diff",
		slog.String("repo", repo),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)),
		slog.Int64("left", card.Val()),
	)
	return nil
}

// CountPackages returns the size of repo, or of every indexed repository
// when repo is empty.
func (s *Store) CountPackages(ctx context.Context, repo string) (int, error) {
	repos := []string{repo}
	if repo == "" {
		var err error
		if repos, err = s.Repositories(ctx); err != nil {
			return 0, err
		}
	}
	if len(repos) == 0 {
		return 0, nil
	}

	pipe := s.cl.Pipeline()
	cards := make([]*redis.IntCmd, len(repos))
	for i, r := range repos {
		cards[i] = pipe.SCard(ctx, getKey(KeyPrefix, KeyRepo, r))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cannot count packages: %w", err)
	}

	total := 0
	for _, c := range cards {
		total += int(c.Val())
	}
	return total, nil
}

func (s *Store) Repositories(ctx context.Context) ([]string, error) {
	repos, err := s.cl.SMembers(ctx, getKey(KeyPrefix, KeyRepositories)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list repositories: %w", err)
	}
	sort.Strings(repos)
	return repos, nil
}

func getKey(keys ...string) string {
	return strings.Join(keys, KeySeparator)
}

func toMembers(names []string) []any {
	members := make([]any, len(names))
	for i, n := range names {
		members[i] = n
	}
	return members
}
