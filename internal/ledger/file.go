package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileRepository 把账本以 JSON Lines 追加写入本地文件，并在内存中保留索引。
type FileRepository struct {
	mu      sync.RWMutex
	path    string
	records []Record
	byTx    map[string]struct{}
}

// NewFileRepository 打开（必要时创建）账本文件并加载已有记录。
func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建账本目录失败: %w", err)
	}
	repo := &FileRepository{path: path, byTx: make(map[string]struct{})}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录锚定结果。
func (f *FileRepository) Save(_ context.Context, record Record) error {
	record.Digest = normalizeDigest(record.Digest)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byTx[record.TxHash]; exists {
		return nil
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开账本文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化账本记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入账本文件失败: %w", err)
	}

	f.records = append(f.records, record)
	f.byTx[record.TxHash] = struct{}{}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (f *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return latest(f.records, func(Record) bool { return true }, limit), nil
}

// FindByDigest 返回摘要对应的所有记录。
func (f *FileRepository) FindByDigest(_ context.Context, digest string) ([]Record, error) {
	digest = normalizeDigest(digest)
	f.mu.RLock()
	defer f.mu.RUnlock()
	return latest(f.records, func(r Record) bool { return r.Digest == digest }, 0), nil
}

// Close 无需释放资源。
func (f *FileRepository) Close() error { return nil }

func latest(records []Record, keep func(Record) bool, limit int) []Record {
	out := make([]Record, 0)
	for i := len(records) - 1; i >= 0; i-- {
		if keep(records[i]) {
			out = append(out, records[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取账本文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if _, dup := f.byTx[record.TxHash]; dup {
			continue
		}
		f.records = append(f.records, record)
		f.byTx[record.TxHash] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析账本文件失败: %w", err)
	}
	return nil
}
