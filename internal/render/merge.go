package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoValidInputs is returned by MergePDFs when every input was rejected.
var ErrNoValidInputs = errors.New("no valid PDF inputs")

// SkippedInput is a merge input that failed validation.
type SkippedInput struct {
	Path   string
	Reason string
}

// MergeResult reports which inputs made it into the merged document.
type MergeResult struct {
	Included []string
	Skipped  []SkippedInput
}

// SkippedPaths returns the paths of the skipped inputs.
func (r MergeResult) SkippedPaths() []string {
	out := make([]string, 0, len(r.Skipped))
	for _, s := range r.Skipped {
		out = append(out, s.Path)
	}
	return out
}

var pdfcpuOnce sync.Once

func pdfConfig() *model.Configuration {
	pdfcpuOnce.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// ValidatePDF reports whether path is a readable PDF document.
func ValidatePDF(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%s is empty or not a regular file", filepath.Base(path))
	}
	return api.ValidateFile(path, pdfConfig())
}

// MergePDFs concatenates the valid inputs into out. Inputs that fail
// validation are skipped and reported; if none remain the call fails with
// ErrNoValidInputs and out is not written.
func MergePDFs(inputs []string, out string) (MergeResult, error) {
	var res MergeResult
	for _, in := range inputs {
		if err := ValidatePDF(in); err != nil {
			res.Skipped = append(res.Skipped, SkippedInput{Path: in, Reason: err.Error()})
			continue
		}
		res.Included = append(res.Included, in)
	}
	if len(res.Included) == 0 {
		return res, ErrNoValidInputs
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return res, err
	}
	if err := api.MergeCreateFile(res.Included, out, false, pdfConfig()); err != nil {
		return res, fmt.Errorf("merge %d pdfs: %w", len(res.Included), err)
	}
	return res, nil
}
