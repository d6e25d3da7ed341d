package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

const maxSheetName = 31

// Sheet is one worksheet of a workbook. Rows hold plain cell values.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]any
	Widths []float64
}

// FlatRow is one leaf of a flattened tree.
type FlatRow struct {
	Path  string
	Value string
}

// Flatten lists every scalar leaf of the tree with its dotted path. Empty
// containers appear with an empty value so the key is not lost.
func Flatten(root *Node) []FlatRow {
	var out []FlatRow
	var walk func(n *Node, path string)
	walk = func(n *Node, path string) {
		switch {
		case n != nil && n.Kind == KindObject:
			if len(n.Fields) == 0 && path != "" {
				out = append(out, FlatRow{Path: path})
			}
			for _, f := range n.Fields {
				next := f.Key
				if path != "" {
					next = path + "." + f.Key
				}
				walk(f.Value, next)
			}
		case n != nil && n.Kind == KindArray:
			if len(n.Items) == 0 {
				out = append(out, FlatRow{Path: path})
			}
			for i, item := range n.Items {
				walk(item, fmt.Sprintf("%s[%d]", path, i))
			}
		default:
			value := ""
			if n != nil && n.Kind != KindNull {
				value = n.Text()
			}
			out = append(out, FlatRow{Path: path, Value: value})
		}
	}
	walk(root, "")
	return out
}

// FlatSheet builds a Path/Value sheet from a tree.
func FlatSheet(name string, root *Node) Sheet {
	sheet := Sheet{Name: name, Header: []string{"Path", "Value"}, Widths: []float64{40, 80}}
	for _, row := range Flatten(root) {
		sheet.Rows = append(sheet.Rows, []any{row.Path, row.Value})
	}
	return sheet
}

// WriteWorkbook writes sheets to an XLSX file in the given order.
func WriteWorkbook(path string, sheets []Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("workbook needs at least one sheet")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"F5F5F5"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	used := map[string]bool{}
	for i, sheet := range sheets {
		name := sheetName(sheet.Name, used)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return err
		}
		if err := writeSheet(f, name, sheet, headerStyle); err != nil {
			return fmt.Errorf("sheet %s: %w", name, err)
		}
	}
	f.SetActiveSheet(0)
	return f.SaveAs(path)
}

func writeSheet(f *excelize.File, name string, sheet Sheet, headerStyle int) error {
	row := 1
	if len(sheet.Header) > 0 {
		header := make([]any, len(sheet.Header))
		for i, h := range sheet.Header {
			header[i] = h
		}
		if err := f.SetSheetRow(name, "A1", &header); err != nil {
			return err
		}
		last, err := excelize.CoordinatesToCellName(len(header), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(name, "A1", last, headerStyle); err != nil {
			return err
		}
		if err := f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
			return err
		}
		row++
	}
	for _, values := range sheet.Rows {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		values := values
		if err := f.SetSheetRow(name, cell, &values); err != nil {
			return err
		}
		row++
	}
	for i, width := range sheet.Widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(name, col, col, width); err != nil {
			return err
		}
	}
	return nil
}

var sheetNameReplacer = strings.NewReplacer("[", "(", "]", ")", ":", "-", "*", "-", "?", "", "/", "-", "\\", "-")

// sheetName makes name acceptable to Excel and unique within the workbook.
func sheetName(name string, used map[string]bool) string {
	name = strings.TrimSpace(sheetNameReplacer.Replace(name))
	name = strings.Trim(name, "'")
	if name == "" {
		name = "Sheet"
	}
	if r := []rune(name); len(r) > maxSheetName {
		name = string(r[:maxSheetName])
	}
	base := name
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		r := []rune(base)
		if len(r)+len(suffix) > maxSheetName {
			r = r[:maxSheetName-len(suffix)]
		}
		name = string(r) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}
