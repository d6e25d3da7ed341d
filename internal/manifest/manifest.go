package manifest

import (
	"encoding/json"
)

// 文件分类名称。
const (
	CategorySnapshots   = "snapshots"
	CategoryReports     = "reports"
	CategoryUploads     = "uploads"
	CategoryExports     = "exports"
	CategoryChainproofs = "chainproofs"
)

// ProjectFolders 是每个项目目录下固定创建的子目录。
var ProjectFolders = []string{CategorySnapshots, CategoryReports, CategoryUploads, CategoryChainproofs, CategoryExports}

// Manifest 是单个项目的持久化文档。
type Manifest struct {
	Meta  map[string]any         `json:"meta"`
	Files map[string][]FileEntry `json:"files"`
	Chain []ChainRecord          `json:"chain"`
	Audit []AuditEntry           `json:"audit"`
}

// FileEntry 记录一个已登记的文件。未识别的字段保存在 Extra 中并原样写回。
type FileEntry struct {
	Step          string
	Path          string
	Digest        string
	Timestamp     int64
	Type          string
	Filename      string
	StoredAs      string
	Label         string
	Skipped       []string
	IncludedCount int
	TxHash        string
	Extra         map[string]any
}

type fileEntryJSON struct {
	Step          string   `json:"step,omitempty"`
	Path          string   `json:"path,omitempty"`
	Digest        string   `json:"digest,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	Type          string   `json:"type,omitempty"`
	Filename      string   `json:"filename,omitempty"`
	StoredAs      string   `json:"stored_as,omitempty"`
	Label         string   `json:"label,omitempty"`
	Skipped       []string `json:"skipped,omitempty"`
	IncludedCount int      `json:"included_count,omitempty"`
	TxHash        string   `json:"tx_hash,omitempty"`
}

var fileEntryKeys = map[string]struct{}{
	"step": {}, "path": {}, "digest": {}, "timestamp": {}, "type": {}, "filename": {},
	"stored_as": {}, "label": {}, "skipped": {}, "included_count": {}, "tx_hash": {},
}

// MarshalJSON 合并已知字段与 Extra，已知字段优先。
func (e FileEntry) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(fileEntryJSON{
		Step: e.Step, Path: e.Path, Digest: e.Digest, Timestamp: e.Timestamp, Type: e.Type,
		Filename: e.Filename, StoredAs: e.StoredAs, Label: e.Label, Skipped: e.Skipped,
		IncludedCount: e.IncludedCount, TxHash: e.TxHash,
	})
	if err != nil || len(e.Extra) == 0 {
		return known, err
	}
	merged := make(map[string]any, len(e.Extra)+8)
	for k, v := range e.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON 解析已知字段，其余字段放入 Extra。
func (e *FileEntry) UnmarshalJSON(data []byte) error {
	var known fileEntryJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*e = FileEntry{
		Step: known.Step, Path: known.Path, Digest: known.Digest, Timestamp: known.Timestamp,
		Type: known.Type, Filename: known.Filename, StoredAs: known.StoredAs, Label: known.Label,
		Skipped: known.Skipped, IncludedCount: known.IncludedCount, TxHash: known.TxHash,
	}
	for k, v := range all {
		if _, ok := fileEntryKeys[k]; ok {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[k] = v
	}
	if e.Digest == "" {
		if legacy, ok := e.Extra["sha256"].(string); ok {
			e.Digest = legacy
		}
	}
	return nil
}

// ChainRecord 记录一次链上锚定交易。
type ChainRecord struct {
	Step        string `json:"step"`
	TxHash      string `json:"tx_hash"`
	Digest      string `json:"digest"`
	Timestamp   int64  `json:"timestamp"`
	MetadataURI string `json:"metadata_uri,omitempty"`
	File        string `json:"file,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	Contract    string `json:"contract,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
}

// AuditEntry 记录一次用户可见的操作。
type AuditEntry struct {
	Timestamp int64          `json:"ts"`
	Step      string         `json:"step,omitempty"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Path      string         `json:"path,omitempty"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Digest    string         `json:"digest,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// UnmarshalJSON 兼容早期写入的 timestamp/event 字段。
func (a *AuditEntry) UnmarshalJSON(data []byte) error {
	type plain AuditEntry
	var aux struct {
		plain
		LegacyTimestamp int64  `json:"timestamp"`
		LegacyEvent     string `json:"event"`
		LegacyFile      string `json:"file"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = AuditEntry(aux.plain)
	if a.Timestamp == 0 {
		a.Timestamp = aux.LegacyTimestamp
	}
	if a.Action == "" {
		a.Action = aux.LegacyEvent
	}
	if a.Path == "" {
		a.Path = aux.LegacyFile
	}
	return nil
}

// Default 返回新的默认清单。
func Default() *Manifest {
	return &Manifest{
		Meta: map[string]any{
			"project_name": "",
			"cell_line":    "",
			"owner":        "",
			"created_at":   int64(0),
			"status":       "draft",
		},
		Files: map[string][]FileEntry{
			CategorySnapshots: {},
			CategoryReports:   {},
			CategoryUploads:   {},
		},
		Chain: []ChainRecord{},
		Audit: []AuditEntry{},
	}
}

// fill 补齐缺失的顶层字段，返回是否做了修改。
func (m *Manifest) fill() bool {
	changed := false
	if m.Meta == nil {
		m.Meta = Default().Meta
		changed = true
	}
	if m.Files == nil {
		m.Files = Default().Files
		changed = true
	}
	if m.Chain == nil {
		m.Chain = []ChainRecord{}
		changed = true
	}
	if m.Audit == nil {
		m.Audit = []AuditEntry{}
		changed = true
	}
	return changed
}

// Entries 返回某个分类下的文件记录。
func (m *Manifest) Entries(category string) []FileEntry {
	if m == nil {
		return nil
	}
	return m.Files[category]
}
