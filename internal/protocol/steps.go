package protocol

import (
	"strings"
)

// Step 描述 ASSURED 协议中的一个步骤。
type Step struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// 步骤键。
const (
	StepCharter            = "charter"
	StepDesign             = "design"
	StepDelivery           = "delivery"
	StepAssessment         = "assessment"
	StepCloning            = "cloning"
	StepScreening          = "screening"
	StepSeedBank           = "seed_bank"
	StepMasterBankRegistry = "master_bank_registry"

	// StepBinder 是合并报告使用的伪步骤，不参与协议排序。
	StepBinder = "assured_binder"
	// StepCertificate 是分析证书快照使用的步骤。
	StepCertificate = "coa"
	// StepMisc 用于无法识别步骤的报告。
	StepMisc = "misc"
)

var steps = []Step{
	{Key: StepCharter, Label: "Project Charter"},
	{Key: StepDesign, Label: "Design"},
	{Key: StepDelivery, Label: "Delivery"},
	{Key: StepAssessment, Label: "Assessment"},
	{Key: StepCloning, Label: "Cloning"},
	{Key: StepScreening, Label: "Screening"},
	{Key: StepSeedBank, Label: "Seed Bank"},
	{Key: StepMasterBankRegistry, Label: "Master Bank Registry"},
}

// Steps 按协议顺序返回步骤目录的副本。
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// Keys 按协议顺序返回步骤键。
func Keys() []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Key
	}
	return out
}

// Known 判断 step 是否属于协议步骤。
func Known(step string) bool {
	return Index(step) < len(steps)
}

// Label 返回步骤显示名，未知步骤按 snake_case 转为标题格式。
func Label(step string) string {
	for _, s := range steps {
		if s.Key == step {
			return s.Label
		}
	}
	parts := strings.FieldsFunc(step, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, " ")
}

// Index 返回步骤在协议中的位置，未知步骤排在最后。
func Index(step string) int {
	for i, s := range steps {
		if s.Key == step {
			return i
		}
	}
	return len(steps)
}
