package render

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local) }

func mustParse(t *testing.T, doc string) *Node {
	t.Helper()
	n, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return n
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func kinds(blocks []Block) []BlockKind {
	out := make([]BlockKind, 0, len(blocks))
	for _, b := range blocks {
		if b.Kind != BlockSpacer {
			out = append(out, b.Kind)
		}
	}
	return out
}

func headings(blocks []Block) []string {
	var out []string
	for _, b := range blocks {
		if b.Kind == BlockHeading {
			out = append(out, b.Text)
		}
	}
	return out
}

func TestParseKeepsKeyOrder(t *testing.T) {
	n := mustParse(t, `{"zeta":1,"alpha":{"b":true,"a":null},"mid":["x",2.5]}`)
	var keys []string
	for _, f := range n.Fields {
		keys = append(keys, f.Key)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, keys); diff != "" {
		t.Fatalf("key order mismatch (-want +got):\n%s", diff)
	}
	if got := n.Get("mid").Items[1].Text(); got != "2.5" {
		t.Fatalf("number text = %q", got)
	}
	if _, err := Parse([]byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestFormatValue(t *testing.T) {
	long := strings.Repeat("ACGT", 20)
	tests := []struct {
		name string
		node *Node
		want string
	}{
		{"nil", nil, "-"},
		{"null", &Node{Kind: KindNull}, "-"},
		{"true", &Node{Kind: KindBool, Bool: true}, "Yes"},
		{"false", &Node{Kind: KindBool}, "No"},
		{"number", FromValue(42), "42"},
		{"short", FromValue("KO"), "KO"},
		{"url", FromValue("https://example.org/" + long), "https://example.org/" + long},
		{"long", FromValue(long), long[:40] + "\n" + long[40:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.node); got != tt.want {
				t.Fatalf("FormatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLayoutStructure(t *testing.T) {
	root := mustParse(t, `{
		"project_id": "P1",
		"step": "design",
		"guides": [{"sequence": "ACGT", "pam": "NGG"}],
		"notes": [],
		"tags": ["a", "b"],
		"attachments": {"gel": "missing.png"},
		"donor": {"sequence": "AAA"}
	}`)
	blocks := Layout("Design Snapshot", root, Options{Now: fixedNow})

	wantHeadings := []string{"Summary", "guides", "guides 1", "notes", "tags", "donor"}
	if diff := cmp.Diff(wantHeadings, headings(blocks)); diff != "" {
		t.Fatalf("headings mismatch (-want +got):\n%s", diff)
	}
	if blocks[0].Kind != BlockTitle || blocks[0].Text != "Design Snapshot" {
		t.Fatalf("first block = %+v", blocks[0])
	}
	summary := blocks[3]
	if summary.Kind != BlockTable || summary.Widths[0] != 190 || len(summary.Rows) != 2 {
		t.Fatalf("summary table = %+v", summary)
	}

	var bullets, paragraphs []string
	for _, b := range blocks {
		switch b.Kind {
		case BlockBullet:
			bullets = append(bullets, b.Text)
		case BlockParagraph:
			paragraphs = append(paragraphs, b.Text)
		}
	}
	if diff := cmp.Diff([]string{"- a", "- b"}, bullets); diff != "" {
		t.Fatalf("bullets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"No entries"}, paragraphs); diff != "" {
		t.Fatalf("paragraphs mismatch (-want +got):\n%s", diff)
	}
	last := blocks[len(blocks)-1]
	if last.Kind != BlockFooter || last.Text != "Generated on 2024-03-01 09:30:00 (local)" {
		t.Fatalf("footer = %+v", last)
	}
}

func TestLayoutUsesTwoPairsForWideMaps(t *testing.T) {
	root := mustParse(t, `{"qc":{"a":1,"b":2,"c":3,"d":4,"e":5,"f":6,"g":7}}`)
	blocks := Layout("QC", root, Options{Now: fixedNow})
	for _, b := range blocks {
		if b.Kind != BlockTable {
			continue
		}
		if diff := cmp.Diff(doublePairWidths, b.Widths); diff != "" {
			t.Fatalf("widths mismatch (-want +got):\n%s", diff)
		}
		if len(b.Rows) != 4 || b.Rows[3][2] != "" {
			t.Fatalf("rows = %v", b.Rows)
		}
		return
	}
	t.Fatal("no table rendered")
}

func TestLayoutEntries(t *testing.T) {
	root := mustParse(t, `{"entries":[
		{"label":"Clone A","data":{"IRIS_ID":"X1"},"attachments":{"STR":"s.pdf"},"notes":"ok"},
		{"data":{"IRIS_ID":"X2"}}
	]}`)
	blocks := Layout("Registry", root, Options{Now: fixedNow})
	want := []string{"entries", "Clone A", "Attachments", "Entry 2"}
	if diff := cmp.Diff(want, headings(blocks)); diff != "" {
		t.Fatalf("headings mismatch (-want +got):\n%s", diff)
	}
	var sawNotes bool
	for _, b := range blocks {
		if b.Kind == BlockParagraph && b.Text == "notes: ok" {
			sawNotes = true
		}
	}
	if !sawNotes {
		t.Fatal("other entry keys not rendered")
	}
}

func TestLayoutAttachmentsAndImages(t *testing.T) {
	dir := t.TempDir()
	gel := filepath.Join(dir, "gel.png")
	writePNG(t, gel, 760, 220)
	broken := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(broken, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	trace := filepath.Join(dir, "trace.ab1")
	if err := os.WriteFile(trace, []byte("trace"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := FromValue(map[string]any{
		"attachments": map[string]any{"gel": gel, "trace": trace, "broken": broken},
	})

	blocks := Layout("Assessment", root, Options{Now: fixedNow})
	if diff := cmp.Diff([]string{"Attachments", "Images"}, headings(blocks)); diff != "" {
		t.Fatalf("headings mismatch (-want +got):\n%s", diff)
	}

	var table *Block
	var images []Block
	var captions []string
	for i := range blocks {
		switch blocks[i].Kind {
		case BlockTable:
			table = &blocks[i]
		case BlockImage:
			images = append(images, blocks[i])
		case BlockCaption:
			captions = append(captions, blocks[i].Text)
		}
	}
	if table == nil || len(table.Rows) != 1 || table.Rows[0][0] != "attachments.trace" {
		t.Fatalf("attachments table = %+v", table)
	}
	if len(images) != 1 || images[0].Width != 380 || images[0].Height != 110 {
		t.Fatalf("images = %+v", images)
	}
	wantCaptions := []string{"[Image attachment could not be rendered: broken.jpg]", "gel.png"}
	if diff := cmp.Diff(wantCaptions, captions); diff != "" {
		t.Fatalf("captions mismatch (-want +got):\n%s", diff)
	}
}

func TestLayoutLogo(t *testing.T) {
	logo := filepath.Join(t.TempDir(), "logo.png")
	writePNG(t, logo, 400, 100)
	blocks := Layout("T", Object("a", 1), Options{LogoPath: logo, Now: fixedNow})
	if blocks[0].Kind != BlockLogo || blocks[0].Width != 180 || blocks[0].Height != 45 {
		t.Fatalf("logo block = %+v", blocks[0])
	}
	want := []BlockKind{BlockLogo, BlockTitle, BlockHeading, BlockTable, BlockFooter}
	if diff := cmp.Diff(want, kinds(blocks)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
}
