package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/render"
	"AssuredChain/internal/snapshot"
)

// CertificateTests 是证书中的检测结果。
type CertificateTests struct {
	MycoMethod  string `json:"myco_method,omitempty"`
	MycoResult  string `json:"myco_result,omitempty"`
	BactMethod  string `json:"bact_method,omitempty"`
	BactResult  string `json:"bact_result,omitempty"`
	MorphResult string `json:"morph_result,omitempty"`
	PluriMethod string `json:"pluri_method,omitempty"`
	PluriResult string `json:"pluri_result,omitempty"`
	TriMethod   string `json:"tri_method,omitempty"`
	TriResult   string `json:"tri_result,omitempty"`
}

// CertificateKaryotype 是核型分析部分。
type CertificateKaryotype struct {
	Platform   string `json:"platform,omitempty"`
	Summary    string `json:"summary,omitempty"`
	VsParental string `json:"vs_parental,omitempty"`
}

// CertificateSTR 是 STR 身份鉴定部分。
type CertificateSTR struct {
	Method       string `json:"method,omitempty"`
	Result       string `json:"result,omitempty"`
	MatchPrimary string `json:"match_primary,omitempty"`
}

// CertificateRequest 描述一份分析证书 (CoA)。
type CertificateRequest struct {
	CellLine       string               `json:"cell_line"`
	BankID         string               `json:"bank_id"`
	Passage        string               `json:"passage,omitempty"`
	FreezeDate     string               `json:"freeze_date,omitempty"`
	HPSCRegLink    string               `json:"hpscreg_link,omitempty"`
	AltName        string               `json:"alt_name,omitempty"`
	Donor          string               `json:"donor,omitempty"`
	GeneticVariant string               `json:"genetic_variant,omitempty"`
	FreezingMethod string               `json:"freezing_method,omitempty"`
	Medium         string               `json:"medium,omitempty"`
	Coating        string               `json:"coating,omitempty"`
	Edited         bool                 `json:"edited"`
	ReferenceURL   string               `json:"reference_url,omitempty"`
	ReportDate     string               `json:"report_date,omitempty"`
	Signatory      string               `json:"signatory,omitempty"`
	Tests          CertificateTests     `json:"tests"`
	Karyotype      CertificateKaryotype `json:"karyotype"`
	STR            CertificateSTR       `json:"str_analysis"`
}

// withDefaults 为未填写的字段补充实验室默认值。
func (r CertificateRequest) withDefaults() CertificateRequest {
	def := func(v *string, fallback string) {
		if strings.TrimSpace(*v) == "" {
			*v = fallback
		}
	}
	def(&r.FreezingMethod, "Bambanker")
	def(&r.Medium, "E8")
	def(&r.Coating, "Geltrex")
	def(&r.Tests.MycoMethod, "RT-PCR")
	def(&r.Tests.MycoResult, "Pass")
	def(&r.Tests.BactMethod, "Culture 4 days, antibiotic-free")
	def(&r.Tests.BactResult, "Pass")
	def(&r.Tests.MorphResult, "Pass")
	def(&r.Tests.PluriMethod, "IF/FACS (>=3 markers)")
	def(&r.Tests.PluriResult, "not done")
	def(&r.Tests.TriMethod, "Spontaneous / Directed")
	def(&r.Tests.TriResult, "not done")
	def(&r.Karyotype.Platform, "SNP array")
	def(&r.Karyotype.Summary, "No major structural aberration detected")
	def(&r.Karyotype.VsParental, "Karyotype matches Parental Cell Line")
	def(&r.STR.Method, "Promega GenePrint 10")
	def(&r.STR.Result, "Pass")
	def(&r.STR.MatchPrimary, "Identical")
	return r
}

// CertificateResult 是证书生成的产物。
type CertificateResult struct {
	Document Artifact `json:"document"`
	PDF      Artifact `json:"pdf"`
	Snapshot string   `json:"snapshot"`
}

// Certificate 生成分析证书 DOCX 与对应的 PDF，并把请求保存为 coa 步骤快照。
func (s *Service) Certificate(ctx context.Context, projectID string, req CertificateRequest) (CertificateResult, error) {
	if strings.TrimSpace(req.CellLine) == "" || strings.TrimSpace(req.BankID) == "" {
		return CertificateResult{}, xerrors.New(xerrors.CodeInvalidArgument, "细胞系名称和库编号不能为空")
	}
	if !s.store.Exists(projectID) {
		return CertificateResult{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	req = req.withDefaults()

	release, err := s.acquire(ctx)
	if err != nil {
		return CertificateResult{}, err
	}
	defer release()

	ts := s.now().Unix()
	dir, err := s.store.Dir(projectID, manifest.CategoryReports, protocol.StepCertificate)
	if err != nil {
		return CertificateResult{}, err
	}
	docPath, err := reservePath(dir, fmt.Sprintf("CoA_%s_%s_%d.docx", safeStem(req.CellLine), safeStem(req.BankID), ts))
	if err != nil {
		return CertificateResult{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(docPath), ".docx")
	if err := render.WriteDOCX(docPath, s.certificateBlocks(req)); err != nil {
		_ = os.Remove(docPath)
		return CertificateResult{}, renderErr(err, "生成分析证书失败")
	}
	doc, err := s.registerReport(projectID, protocol.StepCertificate, docPath, ts, "docx")
	if err != nil {
		return CertificateResult{}, err
	}

	payload, err := toMap(req)
	if err != nil {
		return CertificateResult{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "证书内容无法序列化")
	}
	payload["type"] = "CoA"
	payload["filename"] = filepath.Base(docPath)
	payload["document_digest"] = doc.Digest
	snaps := snapshot.NewService(s.store, snapshot.WithClock(s.now), snapshot.WithLogger(s.logger))
	saved, err := snaps.Save(ctx, snapshot.SaveRequest{
		ProjectID: projectID,
		Step:      protocol.StepCertificate,
		Author:    auth.Actor(ctx),
		Payload:   payload,
	})
	if err != nil {
		return CertificateResult{}, err
	}

	root, err := render.ParseFile(saved.Path)
	if err != nil {
		return CertificateResult{}, renderErr(err, "读取证书快照失败")
	}
	pdfPath, err := reservePath(dir, stem+".pdf")
	if err != nil {
		return CertificateResult{}, err
	}
	if err := render.WritePDF(pdfPath, render.Layout("Certificate of Analysis", root, render.Options{LogoPath: s.logo(), Now: s.now})); err != nil {
		_ = os.Remove(pdfPath)
		return CertificateResult{}, renderErr(err, "生成证书 PDF 失败")
	}
	pdf, err := s.registerReport(projectID, protocol.StepCertificate, pdfPath, ts, "pdf")
	if err != nil {
		return CertificateResult{}, err
	}

	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: ts,
		Step:      protocol.StepCertificate,
		Action:    "coa_generated",
		Actor:     auth.Actor(ctx),
		Path:      docPath,
		Digest:    doc.Digest,
		Details: map[string]any{
			"cell_line": req.CellLine,
			"bank_id":   req.BankID,
			"snapshot":  saved.Path,
			"pdf":       pdfPath,
		},
	}); err != nil {
		return CertificateResult{}, err
	}
	return CertificateResult{Document: doc, PDF: pdf, Snapshot: saved.Path}, nil
}

func (s *Service) certificateBlocks(r CertificateRequest) []render.Block {
	var blocks []render.Block
	add := func(b ...render.Block) { blocks = append(blocks, b...) }
	kv := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			value = "-"
		}
		add(render.Block{Kind: render.BlockParagraph, Text: label + ": " + value})
	}
	heading := func(text string) {
		add(render.Block{Kind: render.BlockSpacer, Space: 8}, render.Block{Kind: render.BlockHeading, Text: text, Level: 1})
	}

	if logo, ok := render.LogoBlock(s.logo()); ok {
		add(logo)
	}
	add(render.Block{Kind: render.BlockTitle, Text: "Certificate of Analysis"})
	kv("CELL LINE NAME", r.CellLine)
	kv("hPSCreg Link", r.HPSCRegLink)
	kv("ALTERNATIVE NAME", r.AltName)
	kv("DONOR GENDER/AGE", r.Donor)
	kv("DISEASE / GENETIC VARIANT", r.GeneticVariant)
	kv("BANK", fmt.Sprintf("Master Bank, ID %s , Passage %s , Freezing Date: %s", r.BankID, r.Passage, r.FreezeDate))
	kv("FREEZING METHOD", r.FreezingMethod)
	kv("CULTURE PLATFORM", fmt.Sprintf("Feeder independent | Medium: %s | Coating: %s", r.Medium, r.Coating))
	edited := "no"
	if r.Edited {
		edited = "yes"
	}
	kv("GENETIC MODIFICATION", edited)

	heading("Test Description")
	add(render.Block{
		Kind:   render.BlockTable,
		Widths: []float64{150, 130, 130, 90},
		Header: []string{"TEST", "Method", "Specification", "Result"},
		Rows: [][]string{
			{"STERILITY (mycoplasma)", r.Tests.MycoMethod, "No contamination detected", r.Tests.MycoResult},
			{"STERILITY (bacteria/yeast/fungi)", r.Tests.BactMethod, "No contamination detected", r.Tests.BactResult},
			{"VIABILITY / MORPHOLOGY", "Phase-contrast 24/48/72 h", "Typical hPSC growth", r.Tests.MorphResult},
			{"UNDIFFERENTIATED PHENOTYPE", r.Tests.PluriMethod, "Markers detected", r.Tests.PluriResult},
			{"DIFFERENTIATION POTENTIAL (3 GL)", r.Tests.TriMethod, "Markers of 3 germ layers", r.Tests.TriResult},
		},
	})

	heading("KARYOTYPE")
	kv("Platform", r.Karyotype.Platform)
	kv("Result", r.Karyotype.Summary)
	kv("Comparison", r.Karyotype.VsParental)

	heading("IDENTITY (STR ANALYSIS)")
	kv("Method", r.STR.Method)
	kv("Result", r.STR.Result)
	kv("Comparison to primary", r.STR.MatchPrimary)

	add(render.Block{Kind: render.BlockSpacer, Space: 8})
	kv("REFERENCE", r.ReferenceURL)
	kv("Date", r.ReportDate)
	kv("Signature", r.Signatory)
	return blocks
}

// safeStem 只保留字母数字、连字符和下划线。
func safeStem(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if out := strings.Trim(b.String(), "_"); out != "" {
		return out
	}
	return "report"
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
