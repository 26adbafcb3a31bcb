package llm

import (
	"bytes"
	"fmt"
	"text/template"
)

// PromptStore resolves prompt templates by name. Templates are data, not
// code: pipelines fetch them through this interface so deployments can
// override wording without recompiling. There is no locale dimension: each
// name resolves to exactly one template.
type PromptStore interface {
	Build(name string, data map[string]any) (string, error)
}

// Built-in template names.
const (
	PromptMemoryReranking   = "memory_reranking"
	PromptRelevanceFilter   = "memory_relevance_filtering"
	PromptRedundancyFilter  = "memory_redundancy_filtering"
	PromptAnswerAbility     = "memory_answer_ability_evaluation"
	PromptRewriteEnhance    = "memory_rewrite_enhancement"
	PromptRecreateEnhance   = "memory_recreate_enhancement"
	PromptEnlargeRecall     = "enlarge_recall"
	PromptIntentRecognition = "intent_recognizing"
	PromptKeywordExtraction = "keyword_extraction"
)

var builtinTemplates = map[string]string{
	PromptMemoryReranking: `You are a memory reranking assistant. Given the current queries and the
current order of memory evidence, return the optimal order.

Queries:
{{range .queries}}{{.}}
{{end}}
Current memory order:
{{range .current_order}}{{.}}
{{end}}
Respond with a JSON object: {"new_order": [indices], "reasoning": "<short explanation>"}.
Indices refer to the current order. Include only indices that should be kept.`,

	PromptRelevanceFilter: `Decide for each memory whether it is related to any query in the history.

Query history:
{{range .queries}}- {{.}}
{{end}}
Memories:
{{range .memories}}{{.}}
{{end}}
Respond with JSON: {"keep": [true/false per memory, in order]}.`,

	PromptRedundancyFilter: `Decide for each memory whether it is redundant given the earlier memories
in the list and the query history.

Query history:
{{range .queries}}- {{.}}
{{end}}
Memories:
{{range .memories}}{{.}}
{{end}}
Respond with JSON: {"keep": [true/false per memory, in order]}.`,

	PromptAnswerAbility: `Evaluate whether the memories below contain enough information to answer
the query.

Query: {{.query}}

Memories:
{{.memory_list}}

Respond with JSON: {"result": true/false, "reason": "<short explanation>"}.`,

	PromptRewriteEnhance: `Rewrite each memory so it directly serves the query history while keeping
every fact intact. Keep one line per memory in the form "[index] new text".

Query history:
{{.query_history}}

Memories:
{{.memories}}

Answer inside <answer></answer> with one "- [index] text" bullet per memory.`,

	PromptRecreateEnhance: `Synthesize a fresh set of memory statements that cover the facts below and
serve the query history. Do not copy the originals verbatim.

Query history:
{{.query_history}}

Memories:
{{.memories}}

Answer inside <answer></answer> with one "- text" bullet per new memory.`,

	PromptEnlargeRecall: `Given the query and currently retrieved memories, decide whether another
retrieval round with a refined hint would surface missing evidence.

Query: {{.query}}

Memories:
{{.memories_inline}}

Respond with JSON: {"hint": "<refined search hint or empty>", "trigger_recall": true/false}.`,

	PromptIntentRecognition: `Decide whether the user's latest queries require retrieving additional
evidence beyond the current working memory.

Queries:
{{range .queries}}- {{.}}
{{end}}
Working memory:
{{range .working_memory}}- {{.}}
{{end}}
Respond with JSON:
{"trigger_retrieval": true/false, "missing_evidences": ["<evidence query>", ...]}.`,

	PromptKeywordExtraction: `Extract the salient keywords from the query below.

Query: {{.query}}

Respond with JSON: {"keywords": ["<keyword>", ...]}.`,
}

// TemplateStore is the built-in PromptStore over text/template constants,
// keyed by template name only; the built-in templates are English and an
// override replaces the template of the same name.
type TemplateStore struct {
	templates map[string]*template.Template
}

// NewTemplateStore parses the built-in templates, plus any overrides.
func NewTemplateStore(overrides map[string]string) (*TemplateStore, error) {
	merged := make(map[string]string, len(builtinTemplates)+len(overrides))
	for name, text := range builtinTemplates {
		merged[name] = text
	}
	for name, text := range overrides {
		merged[name] = text
	}
	parsed := make(map[string]*template.Template, len(merged))
	for name, text := range merged {
		t, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %q: %w", name, err)
		}
		parsed[name] = t
	}
	return &TemplateStore{templates: parsed}, nil
}

// Build renders the named template with data.
func (s *TemplateStore) Build(name string, data map[string]any) (string, error) {
	t, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt template %q: %w", name, err)
	}
	return buf.String(), nil
}

// MemoryAssemblyTemplate composes working-set texts into a single activation
// prompt. The numbered-list body is produced by the activation manager.
const MemoryAssemblyTemplate = `The following are the user's current working memories:
%s`
