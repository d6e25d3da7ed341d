package protocol

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Readiness 是步骤校验结果。Issues 阻止就绪，Warnings 仅作提示。
type Readiness struct {
	Ready    bool     `json:"ready"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

type checker struct {
	issues   []string
	warnings []string
}

func (c *checker) issue(format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf(format, args...))
}

func (c *checker) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *checker) result() Readiness {
	r := Readiness{Ready: len(c.issues) == 0, Issues: c.issues, Warnings: c.warnings}
	if r.Issues == nil {
		r.Issues = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	return r
}

var evaluators = map[string]func(map[string]any, *checker){
	StepCharter:            evaluateCharter,
	StepDesign:             evaluateDesign,
	StepDelivery:           evaluateDelivery,
	StepAssessment:         evaluateAssessment,
	StepCloning:            evaluateCloning,
	StepScreening:          evaluateScreening,
	StepSeedBank:           evaluateSeedBank,
	StepMasterBankRegistry: evaluateMasterBank,
}

// Evaluate 按步骤规则校验快照内容。未知步骤视为就绪。
func Evaluate(step string, payload map[string]any) Readiness {
	c := &checker{}
	if fn, ok := evaluators[step]; ok {
		if payload == nil {
			payload = map[string]any{}
		}
		fn(payload, c)
	}
	return c.result()
}

func hasAttachments(payload map[string]any) bool {
	return truthy(payload["attachments"])
}

func attachmentKeys(payload map[string]any) map[string]bool {
	keys := map[string]bool{}
	switch t := payload["attachments"].(type) {
	case map[string]any:
		for k, v := range t {
			if truthy(v) {
				keys[k] = true
			}
		}
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				keys[s] = true
			}
		}
	}
	return keys
}

func evaluateCharter(payload map[string]any, c *checker) {
	if strings.TrimSpace(LookupString(payload, "objective")) == "" {
		c.issue("Project objective is required.")
	}
	if strings.TrimSpace(LookupString(payload, "owner")) == "" {
		c.issue("Project owner is required.")
	}
	if strings.TrimSpace(LookupString(payload, "success_criteria")) == "" {
		c.warn("Success criteria not specified.")
	}
}

var validBases = map[rune]bool{'A': true, 'C': true, 'G': true, 'T': true, 'U': true, 'N': true}

var donorIntents = map[string]bool{"SNP-KI": true, "BaseEdit": true, "PrimeEdit": true}

func evaluateDesign(payload map[string]any, c *checker) {
	guides := asList(payload["selected_guides"])
	if len(guides) == 0 {
		c.issue("At least one guide must be recorded.")
	}
	for _, g := range guides {
		guide := asMap(g)
		seq := strings.ToUpper(strings.ReplaceAll(LookupString(guide, "sequence"), " ", ""))
		gid := firstNonEmpty(LookupString(guide, "id"), "guide")
		if n := utf8.RuneCountInString(seq); n < 19 || n > 24 {
			c.issue("%s: guide length %d nt (expected 19–24 nt).", gid, n)
		}
		invalid := map[string]bool{}
		for _, b := range seq {
			if !validBases[b] {
				invalid[string(b)] = true
			}
		}
		if len(invalid) > 0 {
			bases := make([]string, 0, len(invalid))
			for b := range invalid {
				bases = append(bases, b)
			}
			sort.Strings(bases)
			c.issue("%s: guide contains invalid bases %v.", gid, bases)
		}
		if strings.TrimSpace(LookupString(guide, "pam")) == "" {
			c.warn("%s: PAM not specified.", gid)
		}
	}

	primers := asList(payload["primer_pairs"])
	if len(primers) == 0 {
		c.issue("Enter at least one primer pair.")
	}
	for _, p := range primers {
		primer := asMap(p)
		name := firstNonEmpty(LookupString(primer, "name"), "Primer pair")
		fwd := strings.TrimSpace(LookupString(primer, "forward"))
		rev := strings.TrimSpace(LookupString(primer, "reverse"))
		if fwd == "" || rev == "" {
			c.issue("%s: forward and reverse sequences are required.", name)
		}
	}

	intent := LookupString(payload, "mutation", "edit_intent")
	if donorIntents[intent] {
		donor := LookupString(payload, "donor", "sequence")
		if donor == "" {
			c.issue("%s: Donor sequence is required for this intent.", intent)
		} else if utf8.RuneCountInString(strings.ReplaceAll(donor, " ", "")) < 60 {
			c.warn("Donor sequence is shorter than 60 nt; confirm protocol alignment.")
		}
	}

	if !hasAttachments(payload) {
		c.warn("No design attachments uploaded (CRISPOR export, Benchling PDF, etc.).")
	}
}

var lotPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{4,}$`)

func evaluateDelivery(payload map[string]any, c *checker) {
	components := asList(payload["rnp_components"])
	if len(components) == 0 {
		c.issue("List the RNP/mix components (Cas9, sgRNA, donor, buffers).")
	} else {
		types := map[string]bool{}
		for _, comp := range components {
			types[LookupString(comp, "component_type")] = true
		}
		if LookupString(payload, "delivery_goal") == "RNP" {
			if !types["Cas9"] {
				c.issue("Add a Cas9 component for RNP delivery.")
			}
			if !types["sgRNA"] {
				c.issue("Add at least one sgRNA component for RNP delivery.")
			}
		}
		for _, item := range components {
			comp := asMap(item)
			name := firstNonEmpty(LookupString(comp, "name"), LookupString(comp, "component_type"), "component")
			lot := strings.TrimSpace(LookupString(comp, "lot_number"))
			switch {
			case lot == "":
				c.warn("%s: lot number missing.", name)
			case !lotPattern.MatchString(lot):
				c.warn("%s: lot '%s' contains unsupported characters.", name, lot)
			}
			if comp["concentration"] == nil {
				c.warn("%s: concentration not recorded.", name)
			}
		}
	}

	if cells, ok := number(payload["total_cells"]); !ok || cells <= 0 {
		c.issue("Total cells must be greater than zero.")
	}
	if v, ok := number(payload["viability_percent"]); ok && v < 50 {
		c.warn("Viability is below 50%%; confirm this is expected.")
	}

	if !hasAttachments(payload) {
		c.warn("No delivery attachments provided (Neon export, plate images, etc.).")
	}
}

func evaluateAssessment(payload map[string]any, c *checker) {
	attachments := attachmentKeys(payload)
	switch LookupString(payload, "assay_type") {
	case "Sanger-Indel":
		if payload["total_indel_pct"] == nil && payload["ki_pct"] == nil && len(asList(payload["top_indels"])) == 0 {
			c.issue("Provide at least one Sanger readout (total indel %%, KI %%, or indel table).")
		}
		if !attachments["tool_result"] {
			c.warn("No tool output attached (CSV/JSON/PDF screenshot).")
		}
	case "PCR-Genotyping":
		if len(asList(Lookup(payload, "pcr", "observed_bands_bp"))) == 0 {
			c.issue("Record observed PCR bands to document screening outcome.")
		}
		if Lookup(payload, "pcr", "wt_bp") == nil && Lookup(payload, "pcr", "edited_bp") == nil {
			c.warn("Expected PCR band sizes not provided.")
		}
		if !attachments["gel_image"] {
			c.warn("Gel/band image not attached.")
		}
	}

	if !hasAttachments(payload) {
		c.warn("No assessment attachments uploaded.")
	}
	if !truthy(payload["decision"]) {
		c.issue("Assessment decision is required.")
	}
}

// ChecklistItem 是克隆步骤中的一个检查项。
type ChecklistItem struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// ChecklistSection 是克隆步骤中的一组检查项。
type ChecklistSection struct {
	Key   string          `json:"key"`
	Items []ChecklistItem `json:"items"`
}

// CloningChecklist 列出克隆步骤必须完成的检查项。
var CloningChecklist = []ChecklistSection{
	{Key: "development", Items: []ChecklistItem{
		{"thaw_plate", "Thaw plate"},
		{"plate_on_iota", "Plate on iOTA"},
		{"extract_clones", "Extract clones"},
		{"isolate_dna", "Isolate DNA"},
	}},
	{Key: "verification", Items: []ChecklistItem{
		{"pcr_seq", "PCR / sequencing"},
		{"seq_analysis", "Sequence analysis"},
		{"split_positive", "Split positive clones"},
		{"report", "Prepare report"},
	}},
	{Key: "seedbank", Items: []ChecklistItem{
		{"split_positive", "Split positive clones"},
		{"produce_seedbank", "Produce seed bank"},
		{"prepare_gdna", "Prepare gDNA"},
		{"transfer_validation", "Transfer validation"},
	}},
	{Key: "karyo", Items: []ChecklistItem{
		{"submit_samples", "Submit samples for karyotyping"},
		{"analyze_and_establish_master", "Analyze and establish master bank"},
	}},
}

func evaluateCloning(payload map[string]any, c *checker) {
	for _, section := range CloningChecklist {
		for _, item := range section.Items {
			done := truthy(Lookup(payload, section.Key, item.Key, "done"))
			if !done {
				c.issue("Mark '%s' as done.", item.Label)
				continue
			}
			if Lookup(payload, section.Key, item.Key, "file_path") == nil {
				c.warn("'%s' marked done without attached evidence.", item.Label)
			}
		}
	}
	if !hasAttachments(payload) {
		c.warn("No cloning attachments uploaded (checklist, imaging, reports).")
	}
}

func evaluateScreening(payload map[string]any, c *checker) {
	positives := map[string]bool{}
	for _, p := range asList(payload["positives"]) {
		positives[asString(p)] = true
	}

	clones := asList(payload["clones"])
	if len(clones) == 0 {
		c.issue("Log at least one clone screening result.")
	}
	for _, item := range clones {
		clone := asMap(item)
		cid := firstNonEmpty(LookupString(clone, "clone_id"), "Clone")
		assay := LookupString(clone, "assay")
		if assay == "PCR" || assay == "PCR+Sanger" {
			observed := asList(Lookup(clone, "pcr", "observed_bands_bp"))
			if len(observed) == 0 {
				c.issue("%s: record observed PCR bands.", cid)
			} else if Lookup(clone, "pcr", "gel_image_path") == nil {
				c.warn("%s: add gel image for PCR confirmation.", cid)
			}
		}
		if assay == "Sanger" || assay == "PCR+Sanger" {
			if Lookup(clone, "sanger", "result_file") == nil {
				c.warn("%s: attach Sanger trace/analysis output.", cid)
			}
		}
		if strings.EqualFold(LookupString(clone, "call"), "positive") && !positives[cid] {
			c.warn("%s marked Positive but not included in positives list.", cid)
		}
	}

	if len(positives) == 0 {
		c.warn("Mark at least one clone as positive or note rationale in comments.")
	}
	if !hasAttachments(payload) {
		c.warn("No supplemental attachments uploaded (plate map, summary, etc.).")
	}
}

func evaluateSeedBank(payload map[string]any, c *checker) {
	if !truthy(payload["project_id"]) || !truthy(payload["seed_bank_batch_id"]) || !truthy(payload["freeze_date"]) {
		c.issue("Project ID, seed bank batch ID, and freeze date are required.")
	}

	clones := asList(payload["clones"])
	if len(clones) == 0 {
		c.issue("Add at least one clone to the seed bank.")
	}
	for _, item := range clones {
		clone := asMap(item)
		cid := firstNonEmpty(LookupString(clone, "clone_id"), "Clone")
		if !truthy(clone["storage_location"]) {
			c.issue("%s: storage location is required.", cid)
		}
		if vials, ok := number(clone["vial_count"]); !ok || vials <= 0 {
			c.issue("%s: vial count must be greater than zero.", cid)
		}
		if cells, ok := number(clone["cells_per_vial"]); !ok || cells == 0 {
			c.warn("%s: cells per vial not recorded.", cid)
		}
		if truthy(clone["dna_pellet_saved"]) && !truthy(clone["dna_pellet_location"]) {
			c.warn("%s: DNA pellet saved but location not recorded.", cid)
		}
	}

	if !hasAttachments(payload) {
		c.warn("No seed bank attachments uploaded (QC reports, cryofreezing logs, etc.).")
	}
	if !truthy(payload["downstream_qc_plan"]) {
		c.warn("Downstream QC plan not specified.")
	}
}

// SummaryField 是主库条目中需要附证据的 QC 字段。
type SummaryField struct {
	Key   string
	Label string
}

// MasterBankSummaryFields 按显示顺序列出 QC 汇总字段。
var MasterBankSummaryFields = []SummaryField{
	{"Morph", "Morphology"},
	{"Myco", "Mycotest"},
	{"verification", "Editing verification"},
	{"SNP", "SNP / Karyotyping"},
	{"STR", "STR profiling"},
}

var masterBankRequired = []string{"IRIS_ID", "HPSCReg_Name", "status", "Responsible_Person", "Masterbank_freezing_Date"}

var releasedStatuses = map[string]bool{"released": true, "ready": true, "approved": true}

func evaluateMasterBank(payload map[string]any, c *checker) {
	entries := asList(payload["entries"])
	if len(entries) == 0 {
		c.issue("No master bank entries captured in snapshot.")
		return
	}
	for _, item := range entries {
		entry := asMap(item)
		label := firstNonEmpty(LookupString(entry, "label"), "Entry")
		data := asMap(entry["data"])
		attachments := asMap(entry["attachments"])

		for _, field := range masterBankRequired {
			if strings.TrimSpace(LookupString(data, field)) == "" {
				c.issue("%s: '%s' is required.", label, field)
			}
		}
		for _, field := range MasterBankSummaryFields {
			if strings.TrimSpace(LookupString(data, field.Key)) == "" {
				continue
			}
			if _, ok := attachments[field.Key]; !ok {
				c.warn("%s: attach evidence for '%s'.", label, field.Label)
			}
		}
		status := strings.TrimSpace(LookupString(data, "status"))
		if status != "" && !releasedStatuses[strings.ToLower(status)] {
			c.warn("%s: status '%s' is not marked as released/ready.", label, status)
		}
	}
}
