// Package examples maintains the few-shot example store used by the
// classification stage. Examples live in a yaml file so operators can add
// confirmed positive/negative cases without a redeploy; a built-in set is
// used when no file is configured.
package examples

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Example is one labelled dialogue with its expected analysis.
type Example struct {
	Conversation string   `yaml:"conversation"`
	HasEvasion   bool     `yaml:"has_evasion"`
	RiskLevel    string   `yaml:"risk_level"`
	Confidence   float64  `yaml:"confidence"`
	EvasionTypes []string `yaml:"evasion_types,omitempty"`
	Evidence     []string `yaml:"evidence_sentences,omitempty"`
	Suggestions  []string `yaml:"improvement_suggestions,omitempty"`
}

type storeFile struct {
	Examples []Example `yaml:"examples"`
}

// Load reads the example store at path. An empty path returns the built-in
// examples; a missing or malformed file is an error because a run without
// few-shot guidance silently degrades classification quality.
func Load(path string) ([]Example, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read example store: %w", err)
	}
	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse example store yaml: %w", err)
	}
	if len(f.Examples) == 0 {
		return nil, fmt.Errorf("example store %s contains no examples", path)
	}
	return f.Examples, nil
}

// Append adds an example to the store file, creating it from the built-in
// set on first write. Duplicate conversations are ignored.
func Append(path string, ex Example) error {
	var f storeFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse existing example store: %w", err)
		}
	case os.IsNotExist(err):
		f.Examples = Defaults()
	default:
		return fmt.Errorf("read example store: %w", err)
	}

	normalized := strings.TrimSpace(ex.Conversation)
	for _, existing := range f.Examples {
		if strings.TrimSpace(existing.Conversation) == normalized {
			return nil
		}
	}
	f.Examples = append(f.Examples, ex)

	out, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal example store: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

// Defaults returns the built-in labelled examples: five evasion cases
// covering each category family and one clean negative case.
func Defaults() []Example {
	return []Example{
		{
			Conversation: "门店: 车主一直催贴膜进度，又来了，怎么样了？\n客服: 这个需要时间处理，让车主耐心等待。",
			HasEvasion:   true,
			RiskLevel:    "high",
			Confidence:   0.85,
			EvasionTypes: []string{"紧急催促", "模糊回应"},
			Evidence:     []string{"车主一直催贴膜进度，又来了，怎么样了", "这个需要时间处理，让车主耐心等待"},
			Suggestions:  []string{"应具体回应车主的催促，提供明确的完成时间，如'师傅今天下午3点完成贴膜'"},
		},
		{
			Conversation: "门店: 车主投诉配件质量，要退款了\n客服: 这不是我们的问题，是厂家的配件质量问题，让车主直接找供应商。",
			HasEvasion:   true,
			RiskLevel:    "high",
			Confidence:   0.95,
			EvasionTypes: []string{"投诉纠纷", "推卸责任"},
			Evidence:     []string{"车主投诉配件质量，要退款了", "这不是我们的问题，是厂家的配件质量问题"},
			Suggestions:  []string{"面对投诉和退款要求，门店应承担售后责任，协助处理而不是推卸给厂家"},
		},
		{
			Conversation: "师傅: 又来催了，撕心裂肺的，搞快点弄完\n门店: 知道了，赶紧搞定",
			HasEvasion:   true,
			RiskLevel:    "high",
			Confidence:   0.9,
			EvasionTypes: []string{"不当用词表达"},
			Evidence:     []string{"又来催了，撕心裂肺的，搞快点弄完", "赶紧搞定"},
			Suggestions:  []string{"应使用专业用语，如'车主比较着急，请加快处理速度'，避免'撕'、'搞'等不当表达"},
		},
		{
			Conversation: "门店: 有纠纷单，客诉12315了\n客服: 翘单吧，能拖就拖一天是一天。",
			HasEvasion:   true,
			RiskLevel:    "high",
			Confidence:   0.98,
			EvasionTypes: []string{"投诉纠纷", "拖延处理"},
			Evidence:     []string{"有纠纷单，客诉12315了", "翘单吧，能拖就拖一天是一天"},
			Suggestions:  []string{"严禁故意拖延处理客诉和12315投诉，应立即响应和解决"},
		},
		{
			Conversation: "门店: 车主加急联系，速度催结果，有进展了吗？\n客服: 已经在跟进了，会尽快给答复。",
			HasEvasion:   true,
			RiskLevel:    "medium",
			Confidence:   0.75,
			EvasionTypes: []string{"紧急催促", "模糊回应"},
			Evidence:     []string{"车主加急联系，速度催结果，有进展了吗", "已经在跟进了，会尽快给答复"},
			Suggestions:  []string{"面对加急催促，应提供具体的进展情况和预计完成时间"},
		},
		{
			Conversation: "门店: 车主咨询全车贴膜价格和质保期\n客服: 全车贴膜1800元，质保2年，包括材料和人工，预计明天上午完成安装。",
			HasEvasion:   false,
			RiskLevel:    "low",
			Confidence:   0.1,
		},
	}
}
