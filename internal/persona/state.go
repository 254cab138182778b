package persona

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// UserState remembers the active persona per user. Get returns "" when the
// user has never chosen one.
type UserState interface {
	Get(ctx context.Context, userID string) (string, error)
	Set(ctx context.Context, userID, personaID string) error
}

type userStateFile struct {
	PersonaID string `yaml:"persona_id"`
}

// FileUserState keeps one YAML file per user under dir.
type FileUserState struct {
	dir string
}

func NewFileUserState(dir string) *FileUserState { return &FileUserState{dir: dir} }

func (s *FileUserState) path(userID string) (string, error) {
	if !IsValidID(userID) {
		return "", fmt.Errorf("persona: invalid user id %q", userID)
	}
	return filepath.Join(s.dir, userID+".yaml"), nil
}

func (s *FileUserState) Get(_ context.Context, userID string) (string, error) {
	path, err := s.path(userID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var st userStateFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("persona: parse %s: %w", path, err)
	}
	return st.PersonaID, nil
}

func (s *FileUserState) Set(_ context.Context, userID, personaID string) error {
	if _, err := ValidateID(personaID); err != nil {
		return err
	}
	path, err := s.path(userID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(userStateFile{PersonaID: personaID})
	if err != nil {
		return err
	}
	return SaveFileAtomic(path, data, 0o644)
}

// RedisUserState stores the persona under meowko:user:{id}:persona.
type RedisUserState struct {
	rdb redis.UniversalClient
}

func NewRedisUserState(rdb redis.UniversalClient) *RedisUserState {
	return &RedisUserState{rdb: rdb}
}

func redisKey(userID string) string { return "meowko:user:" + userID + ":persona" }

func (s *RedisUserState) Get(ctx context.Context, userID string) (string, error) {
	v, err := s.rdb.Get(ctx, redisKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisUserState) Set(ctx context.Context, userID, personaID string) error {
	if _, err := ValidateID(personaID); err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisKey(userID), personaID, 0).Err()
}
