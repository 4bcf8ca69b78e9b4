package storyboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound 缓存中没有该键
var ErrNotFound = errors.New("缓存未命中")

// Store 内容寻址的分析缓存。不同键的并发写入互不影响；同一键后写者胜出。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// DeletePrefix 删除所有以 prefix 开头的键，返回删除数量
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ---------------------------------------------------------------------------
// FileStore

const indexFileName = "index.json"

// FileStore 按章节分目录存放 JSON：<dir>/<NN>/<key>.json，另有可重建的 index.json
type FileStore struct {
	dir   string
	mu    sync.Mutex
	index map[string]string
}

// NewFileStore 打开缓存目录；索引缺失、损坏或 rebuild 为 true 时从章节目录重建
func NewFileStore(dir string, rebuild bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	fs := &FileStore{dir: dir, index: map[string]string{}}

	if !rebuild {
		if data, err := os.ReadFile(filepath.Join(dir, indexFileName)); err == nil {
			if json.Unmarshal(data, &fs.index) == nil {
				return fs, nil
			}
			fs.index = map[string]string{}
		}
	}
	if err := fs.RebuildIndex(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Dir 缓存根目录
func (s *FileStore) Dir() string { return s.dir }

func chapterOfKey(key string) (int, bool) {
	if !strings.HasPrefix(key, "ch") {
		return 0, false
	}
	digits, _, ok := strings.Cut(key[2:], "_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *FileStore) pathFor(key string) (string, error) {
	if strings.ContainsAny(key, `/\`) || key == "" {
		return "", fmt.Errorf("非法缓存键: %q", key)
	}
	ch, ok := chapterOfKey(key)
	if !ok {
		return "", fmt.Errorf("缓存键缺少章节号: %q", key)
	}
	return filepath.Join(s.dir, fmt.Sprintf("%02d", ch), key+".json"), nil
}

// Get 读取缓存条目
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取缓存文件失败: %w", err)
	}
	return data, nil
}

// Put 原子写入（临时文件 + 重命名），随后更新索引
func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p, data); err != nil {
		return fmt.Errorf("写入缓存文件失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[key] = p
	return s.saveIndexLocked()
}

// DeletePrefix 删除匹配前缀的缓存文件，清理空的章节目录并更新索引
func (s *FileStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chapterDirs, err := s.chapterDirs()
	if err != nil {
		return 0, err
	}

	deleted := 0
	var firstErr error
	for _, dir := range chapterDirs {
		files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
		for _, f := range files {
			key := strings.TrimSuffix(filepath.Base(f), ".json")
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if err := os.Remove(f); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("删除缓存文件失败 %s: %w", f, err)
				}
				continue
			}
			delete(s.index, key)
			deleted++
		}
		if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}

	for key := range s.index {
		if strings.HasPrefix(key, prefix) {
			delete(s.index, key)
		}
	}
	if err := s.saveIndexLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	return deleted, firstErr
}

// RebuildIndex 仅根据章节目录内容重建索引
func (s *FileStore) RebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, err := s.chapterDirs()
	if err != nil {
		return err
	}
	idx := map[string]string{}
	for _, dir := range dirs {
		files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
		for _, f := range files {
			idx[strings.TrimSuffix(filepath.Base(f), ".json")] = f
		}
	}
	s.index = idx
	return s.saveIndexLocked()
}

// indexSnapshot 返回索引副本
func (s *FileStore) indexSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

func (s *FileStore) chapterDirs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("读取缓存目录失败: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err == nil {
			dirs = append(dirs, filepath.Join(s.dir, e.Name()))
		}
	}
	return dirs, nil
}

func (s *FileStore) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化缓存索引失败: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexFileName), data); err != nil {
		return fmt.Errorf("保存缓存索引失败: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ---------------------------------------------------------------------------
// MemoryStore

// MemoryStore 进程内缓存，基于 go-cache，可设置过期时间
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore ttl<=0 表示永不过期
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	exp := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = 2 * ttl
	}
	return &MemoryStore{c: cache.New(exp, cleanup)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v.([]byte), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.c.Set(key, cp, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	for key := range s.c.Items() {
		if strings.HasPrefix(key, prefix) {
			s.c.Delete(key)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// LayeredStore

// LayeredStore 前置快速缓存 + 持久后端。读穿透并回填前置层，写入两层。
// Logger 可为空。
type LayeredStore struct {
	Front  Store
	Back   Store
	Logger *zap.Logger
}

func (s *LayeredStore) Get(ctx context.Context, key string) ([]byte, error) {
	if data, err := s.Front.Get(ctx, key); err == nil {
		return data, nil
	}
	data, err := s.Back.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = s.Front.Put(ctx, key, data)
	return data, nil
}

func (s *LayeredStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.Back.Put(ctx, key, data); err != nil {
		return err
	}
	return s.Front.Put(ctx, key, data)
}

// DeletePrefix 返回持久层的删除数量。前置层失败只记录日志，持久层照常清理。
func (s *LayeredStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if _, err := s.Front.DeletePrefix(ctx, prefix); err != nil && s.Logger != nil {
		s.Logger.Warn("前置缓存清理失败，继续清理持久层", zap.String("prefix", prefix), zap.Error(err))
	}
	return s.Back.DeletePrefix(ctx, prefix)
}

// ---------------------------------------------------------------------------
// RedisStore

// RedisStore 多进程共享的 Redis 缓存，键加命名空间前缀
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisStore namespace 为空时使用 "storyboard:"
func NewRedisStore(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisStore {
	if namespace == "" {
		namespace = "storyboard:"
	}
	return &RedisStore{client: client, namespace: namespace, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.namespace+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	iter := s.client.Scan(ctx, 0, s.namespace+prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("扫描 Redis 缓存失败: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("删除 Redis 缓存失败: %w", err)
	}
	return int(n), nil
}
