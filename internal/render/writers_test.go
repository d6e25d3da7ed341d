package render

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
)

func sampleBlocks(t *testing.T) []Block {
	t.Helper()
	root := mustParse(t, `{"project_id":"P1","step":"charter","objective":"Knock out gene X & verify <clone>","team":["a","b"]}`)
	return Layout("Charter Snapshot", root, Options{Now: fixedNow})
}

func TestWritePDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "charter.pdf")
	if err := WritePDF(path, sampleBlocks(t)); err != nil {
		t.Fatalf("WritePDF() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Fatalf("output is not a PDF: %q", data[:8])
	}
	if err := ValidatePDF(path); err != nil {
		t.Fatalf("ValidatePDF() error = %v", err)
	}
}

func TestWritePDFLongTableBreaksPages(t *testing.T) {
	rows := make([][]string, 120)
	for i := range rows {
		rows[i] = []string{"field", strings.Repeat("value ", 10)}
	}
	blocks := []Block{
		{Kind: BlockTitle, Text: "Long"},
		{Kind: BlockTable, Widths: singlePairWidths, Header: []string{"Field", "Value"}, Rows: rows},
	}
	path := filepath.Join(t.TempDir(), "long.pdf")
	if err := WritePDF(path, blocks); err != nil {
		t.Fatalf("WritePDF() error = %v", err)
	}
	if err := ValidatePDF(path); err != nil {
		t.Fatalf("ValidatePDF() error = %v", err)
	}
}

// docxParts returns the part names of the package at path and the text of
// word/document.xml.
func docxParts(t *testing.T, path string) ([]string, string) {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("zip.OpenReader() error = %v", err)
	}
	defer zr.Close()
	var names []string
	var document string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		document = string(data)
	}
	return names, document
}

func TestWriteDOCX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "charter.docx")
	if err := WriteDOCX(path, sampleBlocks(t)); err != nil {
		t.Fatalf("WriteDOCX() error = %v", err)
	}
	names, document := docxParts(t, path)
	for _, part := range []string{"[Content_Types].xml", "word/document.xml"} {
		if !slices.Contains(names, part) {
			t.Errorf("package missing part %s: %v", part, names)
		}
	}
	for _, s := range []string{"Charter Snapshot", "Knock out gene X", "w:tbl", "Generated on 2024-03-01"} {
		if !strings.Contains(document, s) {
			t.Errorf("document.xml missing %q", s)
		}
	}
}

func TestWriteDOCXEmbedsImages(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "gel.png")
	writePNG(t, img, 10, 10)
	path := filepath.Join(dir, "gel.docx")
	if err := WriteDOCX(path, []Block{{Kind: BlockImage, Path: img, Width: 72, Height: 72}}); err != nil {
		t.Fatalf("WriteDOCX() error = %v", err)
	}
	names, _ := docxParts(t, path)
	if !slices.ContainsFunc(names, func(n string) bool { return strings.HasPrefix(n, "word/media/") }) {
		t.Fatalf("image part not written: %v", names)
	}
}

func TestWriteDOCXMissingImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.docx")
	err := WriteDOCX(path, []Block{{Kind: BlockImage, Path: filepath.Join(t.TempDir(), "nope.png"), Width: 10, Height: 10}})
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestFlatten(t *testing.T) {
	root := mustParse(t, `{"a":{"b":1,"c":[true,null]},"d":[],"e":"x"}`)
	want := []FlatRow{
		{Path: "a.b", Value: "1"},
		{Path: "a.c[0]", Value: "true"},
		{Path: "a.c[1]", Value: ""},
		{Path: "d", Value: ""},
		{Path: "e", Value: "x"},
	}
	if diff := cmp.Diff(want, Flatten(root)); diff != "" {
		t.Fatalf("Flatten() mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	sheets := []Sheet{
		{Name: "Meta", Header: []string{"Key", "Value"}, Rows: [][]any{{"owner", "alice"}, {"created_at", 17}}},
		FlatSheet("design", mustParse(t, `{"guides":[{"sequence":"ACGT"}]}`)),
		{Name: "design", Rows: [][]any{{"dup"}}},
		{Name: "a/very:long*sheet?name that exceeds the limit"},
	}
	if err := WriteWorkbook(path, sheets); err != nil {
		t.Fatalf("WriteWorkbook() error = %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()
	want := []string{"Meta", "design", "design (2)", "a-very-long-sheetname that exce"}
	if diff := cmp.Diff(want, f.GetSheetList()); diff != "" {
		t.Fatalf("sheets mismatch (-want +got):\n%s", diff)
	}
	rows, err := f.GetRows("design")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]string{{"Path", "Value"}, {"guides[0].sequence", "ACGT"}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	meta, _ := f.GetRows("Meta")
	if len(meta) != 3 || meta[2][1] != "17" {
		t.Fatalf("meta rows = %v", meta)
	}
}

func TestWriteWorkbookNeedsSheets(t *testing.T) {
	if err := WriteWorkbook(filepath.Join(t.TempDir(), "x.xlsx"), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestMergePDFsSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.pdf")
	second := filepath.Join(dir, "b.pdf")
	junk := filepath.Join(dir, "junk.pdf")
	for _, p := range []string{first, second} {
		if err := WritePDF(p, sampleBlocks(t)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(junk, []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "binders", "binder.pdf")
	res, err := MergePDFs([]string{first, junk, second, filepath.Join(dir, "gone.pdf")}, out)
	if err != nil {
		t.Fatalf("MergePDFs() error = %v", err)
	}
	if diff := cmp.Diff([]string{first, second}, res.Included); diff != "" {
		t.Fatalf("included mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{junk, filepath.Join(dir, "gone.pdf")}, res.SkippedPaths()); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
	if err := ValidatePDF(out); err != nil {
		t.Fatalf("merged output invalid: %v", err)
	}
}

func TestMergePDFsNoneValid(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pdf")
	if err := os.WriteFile(junk, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.pdf")
	res, err := MergePDFs([]string{junk}, out)
	if !errors.Is(err, ErrNoValidInputs) || len(res.Skipped) != 1 {
		t.Fatalf("MergePDFs() = %+v, %v", res, err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output should not exist, stat err = %v", err)
	}
}
