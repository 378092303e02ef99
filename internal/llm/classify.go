package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/examples"
)

// Classifier runs the few-shot classification stage against a provider.
// It owns prompt construction and response normalization; retrying a failed
// call is the orchestrator's job, never the stage's.
type Classifier struct {
	provider Provider
	timeout  time.Duration
	examples []examples.Example
}

func NewClassifier(provider Provider, timeout time.Duration, exs []examples.Example) *Classifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Classifier{provider: provider, timeout: timeout, examples: exs}
}

// Classify sends one conversation through the collaborator. A transport or
// timeout error is returned to the caller for retry; a malformed response
// is never an error — it degrades to a low-confidence result with Note set.
func (c *Classifier) Classify(ctx context.Context, conversationText string, pre domain.PrescreenResult) (domain.ClassificationResult, error) {
	if strings.TrimSpace(conversationText) == "" {
		return domain.ClassificationResult{
			RiskLevel: domain.RiskLow,
			Sentiment: "neutral",
			Note:      "empty conversation",
		}, nil
	}

	prompt := BuildPrompt(conversationText, pre, c.examples)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, usage, err := c.provider.Invoke(callCtx, prompt)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("classification invoke: %w", err)
	}

	result, parseErr := ParseResponse(raw)
	if parseErr != nil {
		log.Printf("llm classify parse failure provider=%s model=%s err=%v", c.provider.Name(), c.provider.Model(), parseErr)
		result = domain.ClassificationResult{
			RiskLevel: domain.RiskLow,
			Sentiment: "neutral",
			Note:      fmt.Sprintf("parse failure: %v", parseErr),
		}
	}
	result.RawResponse = raw
	result.LLMInvoked = true
	result.Provider = c.provider.Name()
	result.Model = c.provider.Model()
	result.TokensUsed = usage.TotalTokens()
	return result, nil
}

// BuildPrompt renders the deterministic analysis prompt: task instructions,
// the labelled few-shot examples, the prescreen evidence, and the target
// conversation. Identical inputs always produce an identical prompt.
func BuildPrompt(conversationText string, pre domain.PrescreenResult, exs []examples.Example) string {
	var b strings.Builder

	b.WriteString(`你是一个专业的汽车服务行业质量分析专家，请分析以下师傅、门店、客服之间的对话中是否存在规避责任的行为。

在汽车服务行业（配件销售、贴膜、维修、上门服务）中，规避责任的表现包括：
1. 推卸责任：将问题完全推给师傅、厂家、供应商或4S店，拒绝承担售后服务责任
2. 模糊回应：给出"需要时间"、"正在处理"等模糊答复，不提供具体的维修时间、师傅安排
3. 拖延处理：故意延长处理时间，希望车主放弃投诉或自行解决
4. 不当用词：在内部沟通中使用"车主烦人"、"师傅磨叽"等非专业表达
5. 敷衍态度：随意应付车主咨询，对质量问题、安装效果等不负责任

分析要求：
1. 重点关注汽车服务行业的推卸责任行为
2. 严格区分模糊回应和正常的服务流程说明（提到"预计明天"等具体安排不算模糊回应）
3. 评估风险级别：low（无风险）、medium（中等风险）、high（高风险）
4. 提供准确的置信度评分（0-1之间）
5. 列出具体的证据句子，并给出改进建议

`)

	for i, ex := range exs {
		fmt.Fprintf(&b, "对话示例%d:\n%s\n分析结果:\n%s\n\n", i+1, ex.Conversation, renderExampleAnalysis(ex))
	}

	if block := prescreenContext(pre); block != "" {
		b.WriteString(block)
		b.WriteString("\n")
	}

	b.WriteString("现在请分析以下对话：\n")
	b.WriteString(conversationText)
	b.WriteString(`

请严格按照以下JSON格式返回分析结果（只返回JSON，不要markdown）：
{
    "has_evasion": boolean,
    "risk_level": "low|medium|high",
    "confidence": float,
    "evasion_types": [string],
    "evidence_sentences": [string],
    "improvement_suggestions": [string],
    "sentiment": "positive|negative|neutral",
    "sentiment_intensity": float
}`)

	return b.String()
}

type exampleAnalysis struct {
	HasEvasion   bool     `json:"has_evasion"`
	RiskLevel    string   `json:"risk_level"`
	Confidence   float64  `json:"confidence"`
	EvasionTypes []string `json:"evasion_types"`
	Evidence     []string `json:"evidence_sentences"`
	Suggestions  []string `json:"improvement_suggestions"`
}

func renderExampleAnalysis(ex examples.Example) string {
	a := exampleAnalysis{
		HasEvasion:   ex.HasEvasion,
		RiskLevel:    ex.RiskLevel,
		Confidence:   ex.Confidence,
		EvasionTypes: orEmpty(ex.EvasionTypes),
		Evidence:     orEmpty(ex.Evidence),
		Suggestions:  orEmpty(ex.Suggestions),
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func prescreenContext(pre domain.PrescreenResult) string {
	if len(pre.MatchedCategories) == 0 {
		return ""
	}
	cats := append([]string(nil), pre.MatchedCategories...)
	sort.Strings(cats)
	return fmt.Sprintf("关键词粗筛结果：命中类别 %s，评分 %.3f。\n", strings.Join(cats, "、"), pre.SuspicionScore)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
