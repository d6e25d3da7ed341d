package report

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/snapshot"
)

// bundleFolders 是打包时收录的项目子目录。
var bundleFolders = []string{
	manifest.CategorySnapshots,
	manifest.CategoryReports,
	manifest.CategoryUploads,
	manifest.CategoryChainproofs,
}

// BundleFile 是导出包中的一个文件。
type BundleFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// BundleSummary 写入导出包的 bundle_summary.json。
type BundleSummary struct {
	ProjectID   string         `json:"project_id"`
	GeneratedAt int64          `json:"generated_at"`
	Meta        map[string]any `json:"meta"`
	Counts      map[string]int `json:"counts"`
	ChainCount  int            `json:"chain_records"`
	AuditCount  int            `json:"audit_entries"`
	Files       []BundleFile   `json:"files"`
}

// BundleResult 描述一次导出。
type BundleResult struct {
	Artifact
	Filename string        `json:"filename"`
	Summary  BundleSummary `json:"summary"`
}

// Bundle 把快照、报告、上传文件、链上凭证和清单打包为 zip。
func (s *Service) Bundle(ctx context.Context, projectID string) (BundleResult, error) {
	if !s.store.Exists(projectID) {
		return BundleResult{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	m, err := s.store.Load(projectID)
	if err != nil {
		return BundleResult{}, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return BundleResult{}, err
	}
	defer release()

	ts := s.now().Unix()
	dir, err := s.store.Dir(projectID, manifest.CategoryExports)
	if err != nil {
		return BundleResult{}, err
	}
	path, err := reservePath(dir, fmt.Sprintf("%s-bundle-%d.zip", Slugify(projectID, "project"), ts))
	if err != nil {
		return BundleResult{}, err
	}
	filename := filepath.Base(path)

	summary := BundleSummary{
		ProjectID:   projectID,
		GeneratedAt: ts,
		Meta:        manifest.CloneMap(m.Meta),
		Counts:      map[string]int{},
		ChainCount:  len(m.Chain),
		AuditCount:  len(m.Audit),
		Files:       []BundleFile{},
	}
	if err := s.writeBundle(ctx, projectID, path, &summary); err != nil {
		_ = os.Remove(path)
		return BundleResult{}, err
	}

	digest, err := snapshot.Digest(path)
	if err != nil {
		return BundleResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算导出包摘要失败")
	}
	if err := s.store.RegisterFile(projectID, manifest.CategoryExports, manifest.FileEntry{
		Label:     "bundle",
		Filename:  filename,
		Path:      path,
		Digest:    digest,
		Timestamp: ts,
		Type:      "zip",
	}); err != nil {
		return BundleResult{}, err
	}
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: ts,
		Action:    "bundle_generated",
		Actor:     auth.Actor(ctx),
		Path:      path,
		Digest:    digest,
		Details:   map[string]any{"files": len(summary.Files)},
	}); err != nil {
		return BundleResult{}, err
	}
	return BundleResult{
		Artifact: Artifact{Path: path, Digest: digest, Timestamp: ts, Type: "zip"},
		Filename: filename,
		Summary:  summary,
	}, nil
}

// writeBundle 先写临时文件，完成后再改名，避免留下半截的 zip。
func (s *Service) writeBundle(ctx context.Context, projectID, path string, summary *BundleSummary) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建导出包失败")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	base := s.store.ProjectDir(projectID)
	for _, folder := range bundleFolders {
		files, err := listFiles(filepath.Join(base, folder))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描项目目录失败")
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, _ := filepath.Rel(base, file)
			entry, err := addFile(zw, file, filepath.ToSlash(rel))
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入导出包失败")
			}
			summary.Files = append(summary.Files, entry)
			summary.Counts[folder]++
		}
	}
	if _, err := addFile(zw, s.store.ManifestPath(projectID), "manifest.json"); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入清单失败")
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	w, err := zw.Create("bundle_summary.json")
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入导出包失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入导出包失败")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存导出包失败")
	}
	return nil
}

func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func addFile(zw *zip.Writer, path, name string) (BundleFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return BundleFile{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return BundleFile{}, err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return BundleFile{}, err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return BundleFile{}, err
	}
	digest, size, err := copyAndHash(w, f)
	if err != nil {
		return BundleFile{}, err
	}
	return BundleFile{Name: name, Size: size, Digest: digest}, nil
}

func copyAndHash(w io.Writer, r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
