package render

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BlockKind names a layout element.
type BlockKind string

const (
	BlockLogo      BlockKind = "logo"
	BlockTitle     BlockKind = "title"
	BlockHeading   BlockKind = "heading"
	BlockTable     BlockKind = "table"
	BlockParagraph BlockKind = "paragraph"
	BlockBullet    BlockKind = "bullet"
	BlockImage     BlockKind = "image"
	BlockCaption   BlockKind = "caption"
	BlockSpacer    BlockKind = "spacer"
	BlockFooter    BlockKind = "footer"
)

// Block is one element of a laid out document. Writers for every output
// format consume the same block list.
type Block struct {
	Kind   BlockKind
	Text   string
	Level  int
	Widths []float64
	Header []string
	Rows   [][]string
	Path   string
	Width  float64
	Height float64
	Space  float64
}

const (
	maxImageWidth  = 380
	maxImageHeight = 220
	maxLogoWidth   = 180
	maxLogoHeight  = 80
)

var (
	singlePairWidths = []float64{190, 310}
	doublePairWidths = []float64{120, 140, 120, 140}
	attachmentWidths = []float64{200, 290}
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

// Options tune Layout.
type Options struct {
	LogoPath string
	// Images are rendered in an Images section and left out of the
	// attachments table. Image paths found in the tree are added too.
	Images []string
	Now    func() time.Time
}

type layout struct {
	blocks []Block
}

func (l *layout) add(b Block)                 { l.blocks = append(l.blocks, b) }
func (l *layout) heading(text string, lvl int) { l.add(Block{Kind: BlockHeading, Text: text, Level: lvl}) }
func (l *layout) paragraph(text string)        { l.add(Block{Kind: BlockParagraph, Text: text}) }
func (l *layout) spacer(pt float64)            { l.add(Block{Kind: BlockSpacer, Space: pt}) }

// Layout walks the tree and produces the block list for a snapshot report.
func Layout(title string, root *Node, opts Options) []Block {
	l := &layout{}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if logo, ok := LogoBlock(opts.LogoPath); ok {
		l.add(logo)
		l.spacer(12)
	}
	l.add(Block{Kind: BlockTitle, Text: title})
	l.spacer(14)
	l.body(root)

	images := dedupe(append(append([]string(nil), opts.Images...), collectImages(root)...))
	imageSet := make(map[string]bool, len(images))
	for _, p := range images {
		imageSet[absPath(p)] = true
	}

	var rows [][]string
	for _, att := range CollectFiles(root) {
		if imageSet[absPath(att.Path)] {
			continue
		}
		label := att.Label
		if label == "" {
			label = filepath.Base(att.Path)
		}
		rows = append(rows, []string{label, filepath.ToSlash(att.Path)})
	}
	if len(rows) > 0 {
		l.heading("Attachments", 1)
		l.add(Block{Kind: BlockTable, Widths: attachmentWidths, Header: []string{"Label", "Path"}, Rows: rows})
		l.spacer(12)
	}

	if len(images) > 0 {
		l.heading("Images", 1)
		for _, p := range images {
			w, h, ok := imageSize(p)
			if !ok {
				l.add(Block{Kind: BlockCaption, Text: fmt.Sprintf("[Image attachment could not be rendered: %s]", filepath.Base(p))})
				l.spacer(12)
				continue
			}
			w, h = limitSize(w, h, maxImageWidth, maxImageHeight)
			l.add(Block{Kind: BlockImage, Path: p, Width: w, Height: h})
			l.add(Block{Kind: BlockCaption, Text: filepath.Base(p)})
			l.spacer(12)
		}
	}

	l.spacer(6)
	l.add(Block{Kind: BlockFooter, Text: "Generated on " + now().Format("2006-01-02 15:04:05") + " (local)"})
	return l.blocks
}

// LogoBlock returns a logo block scaled to fit the header box. It reports
// false when path is empty or not a decodable image.
func LogoBlock(path string) (Block, bool) {
	if path == "" {
		return Block{}, false
	}
	w, h, ok := imageSize(path)
	if !ok {
		return Block{}, false
	}
	w, h = limitSize(w, h, maxLogoWidth, maxLogoHeight)
	return Block{Kind: BlockLogo, Path: path, Width: w, Height: h}, true
}

// Body lays out the summary table and nested sections of root without the
// title, attachments, images or footer. Headings start at level 1.
func Body(root *Node) []Block {
	l := &layout{}
	l.body(root)
	return l.blocks
}

// ShiftHeadings returns a copy of blocks with every heading level increased
// by n.
func ShiftHeadings(blocks []Block, n int) []Block {
	out := make([]Block, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].Kind == BlockHeading {
			out[i].Level += n
		}
	}
	return out
}

func (l *layout) body(root *Node) {
	if root == nil || root.Kind != KindObject {
		l.section("Snapshot", root, 1)
		return
	}
	var summary [][2]string
	for _, f := range root.Fields {
		if f.Value.IsScalar() {
			summary = append(summary, [2]string{f.Key, FormatValue(f.Value)})
		}
	}
	if len(summary) > 0 {
		l.heading("Summary", 1)
		l.fieldTable(summary, 1)
		l.spacer(12)
	}
	for _, f := range root.Fields {
		if f.Key == "attachments" || f.Key == "files" {
			continue
		}
		if !f.Value.IsScalar() {
			l.section(f.Key, f.Value, 1)
		}
	}
}

func (l *layout) fieldTable(items [][2]string, pairs int) {
	if pairs < 1 {
		pairs = 1
	}
	widths := singlePairWidths
	if pairs > 1 {
		widths = doublePairWidths
	}
	header := make([]string, 0, pairs*2)
	for i := 0; i < pairs; i++ {
		header = append(header, "Field", "Value")
	}
	var rows [][]string
	for i := 0; i < len(items); i += pairs {
		row := make([]string, 0, pairs*2)
		for j := i; j < i+pairs; j++ {
			if j < len(items) {
				row = append(row, items[j][0], items[j][1])
			} else {
				row = append(row, "", "")
			}
		}
		rows = append(rows, row)
	}
	l.add(Block{Kind: BlockTable, Widths: widths, Header: header, Rows: rows})
}

func (l *layout) mapBlock(title string, node *Node, level int) {
	if title != "" {
		l.heading(title, level)
	}
	var scalars [][2]string
	var nested []Field
	for _, f := range node.Fields {
		if f.Value.IsScalar() {
			scalars = append(scalars, [2]string{f.Key, FormatValue(f.Value)})
		} else {
			nested = append(nested, f)
		}
	}
	if len(scalars) > 0 {
		pairs := 1
		if len(scalars) >= 6 {
			pairs = 2
		}
		l.fieldTable(scalars, pairs)
		l.spacer(8)
	}
	for _, f := range nested {
		l.section(f.Key, f.Value, level+1)
	}
}

func (l *layout) section(name string, node *Node, level int) {
	switch {
	case node != nil && node.Kind == KindObject:
		l.mapBlock(name, node, level)
	case node != nil && node.Kind == KindArray:
		l.listSection(name, node, level)
	default:
		l.paragraph(name + ": " + FormatValue(node))
		l.spacer(6)
	}
}

func (l *layout) listSection(name string, node *Node, level int) {
	if strings.EqualFold(name, "entries") && allKind(node.Items, KindObject) {
		l.heading(name, level)
		for i, item := range node.Items {
			label := item.Get("label").Text()
			if label == "" {
				label = fmt.Sprintf("Entry %d", i+1)
			}
			l.heading(label, level+1)
			if data := item.Get("data"); data != nil && data.Kind == KindObject {
				l.mapBlock("", data, level+2)
			}
			if att := item.Get("attachments"); att != nil && att.Kind == KindObject && len(att.Fields) > 0 {
				l.mapBlock("Attachments", att, level+2)
			}
			for _, f := range item.Fields {
				switch f.Key {
				case "label", "data", "attachments":
					continue
				}
				l.section(f.Key, f.Value, level+2)
			}
			l.spacer(6)
		}
		return
	}

	l.heading(name, level)
	switch {
	case len(node.Items) == 0:
		l.paragraph("No entries")
		l.spacer(8)
	case allScalar(node.Items):
		for _, item := range node.Items {
			l.add(Block{Kind: BlockBullet, Text: "- " + FormatValue(item)})
		}
		l.spacer(8)
	case allKind(node.Items, KindObject):
		for i, item := range node.Items {
			l.heading(fmt.Sprintf("%s %d", name, i+1), level+1)
			l.mapBlock("", item, level+2)
			l.spacer(8)
		}
	default:
		for i, item := range node.Items {
			l.section(fmt.Sprintf("%s %d", name, i+1), item, level+1)
		}
	}
}

func allKind(items []*Node, kind Kind) bool {
	for _, item := range items {
		if item == nil || item.Kind != kind {
			return false
		}
	}
	return true
}

func allScalar(items []*Node) bool {
	for _, item := range items {
		if !item.IsScalar() {
			return false
		}
	}
	return true
}

// FormatValue renders a scalar for a table cell. Long unbroken strings are
// split every 40 characters so sequences wrap.
func FormatValue(n *Node) string {
	if n == nil || n.Kind == KindNull {
		return "-"
	}
	if n.Kind == KindBool {
		if n.Bool {
			return "Yes"
		}
		return "No"
	}
	text := n.Text()
	if !n.IsScalar() {
		text = fmt.Sprint(n.Interface())
	}
	runes := []rune(text)
	if len(runes) > 60 && !strings.Contains(text, "\n") && !strings.HasPrefix(text, "http") {
		var chunks []string
		for i := 0; i < len(runes); i += 40 {
			end := i + 40
			if end > len(runes) {
				end = len(runes)
			}
			chunks = append(chunks, string(runes[i:end]))
		}
		text = strings.Join(chunks, "\n")
	}
	return text
}

// FileRef is a string leaf of the tree that points at an existing file.
type FileRef struct {
	Label string
	Path  string
}

// CollectFiles walks the tree and returns every string leaf naming an
// existing regular file, labelled with its dotted path.
func CollectFiles(root *Node) []FileRef {
	var out []FileRef
	seen := map[string]bool{}
	var walk func(n *Node, label string)
	walk = func(n *Node, label string) {
		if n == nil {
			return
		}
		switch n.Kind {
		case KindObject:
			for _, f := range n.Fields {
				next := f.Key
				if label != "" {
					next = label + "." + f.Key
				}
				walk(f.Value, next)
			}
		case KindArray:
			for i, item := range n.Items {
				walk(item, fmt.Sprintf("%s[%d]", label, i))
			}
		case KindString:
			if n.String == "" || strings.ContainsRune(n.String, '\n') {
				return
			}
			info, err := os.Stat(n.String)
			if err != nil || !info.Mode().IsRegular() {
				return
			}
			key := absPath(n.String)
			if seen[key] {
				return
			}
			seen[key] = true
			out = append(out, FileRef{Label: label, Path: n.String})
		}
	}
	walk(root, "")
	return out
}

func collectImages(root *Node) []string {
	var out []string
	for _, ref := range CollectFiles(root) {
		if imageExtensions[strings.ToLower(filepath.Ext(ref.Path))] {
			out = append(out, ref.Path)
		}
	}
	return out
}

func imageSize(path string) (float64, float64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return 0, 0, false
	}
	return float64(cfg.Width), float64(cfg.Height), true
}

func limitSize(w, h, maxW, maxH float64) (float64, float64) {
	scale := maxW / w
	if s := maxH / h; s < scale {
		scale = s
	}
	if scale > 1 {
		scale = 1
	}
	return w * scale, h * scale
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func dedupe(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		key := absPath(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}
