package model

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// ArtifactStore - внешнее хранилище сериализованной модели.
// Контракт ядра с ним один: «отдай байты или ошибку».
type ArtifactStore interface {
	Fetch(ctx context.Context) ([]byte, error)
	Location() string
}

// FileStore читает артефакт с локального диска (volume с моделью).
type FileStore struct {
	Path string
}

func (s *FileStore) Location() string { return "file://" + s.Path }

func (s *FileStore) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Повторять бессмысленно
			return nil, retry.Unrecoverable(fmt.Errorf("%w: %s", ErrArtifactNotFound, s.Path))
		}
		return nil, err
	}
	return data, nil
}

// RedisStore берет артефакт из ключа Redis (общий для всех инстансов детектора).
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Location() string { return "redis://" + s.key }

func (s *RedisStore) Fetch(ctx context.Context) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, retry.Unrecoverable(fmt.Errorf("%w: key %s", ErrArtifactNotFound, s.key))
		}
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return data, nil
}

// BytesStore - артефакт уже в памяти (встроенная модель, тесты).
type BytesStore struct {
	Data []byte
	Name string
}

func (s *BytesStore) Location() string {
	if s.Name == "" {
		return "memory://artifact"
	}
	return "memory://" + s.Name
}

func (s *BytesStore) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Data, nil
}

// Digest - hex blake2b-256 артефакта (для конфига model.blake2b).
func Digest(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func verifyDigest(blob []byte, expected string) error {
	if expected == "" {
		return nil
	}
	got := Digest(blob)
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(expected))) != 1 {
		return fmt.Errorf("%w: got %s", ErrDigestMismatch, got)
	}
	return nil
}

// fetchWithRetry - единственный автоматический повтор в ядре: загрузка до того, как
// определилось Ready/Failed. Сетевой лаг Redis - экспоненциальный бэкофф.
func fetchWithRetry(ctx context.Context, store ArtifactStore, attempts uint) ([]byte, error) {
	if attempts == 0 {
		attempts = 1
	}

	var blob []byte
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
	)
	err := r.Do(func() error {
		data, err := store.Fetch(ctx)
		if err != nil {
			return err
		}
		blob = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}
