package execution

import (
	"strings"
)

// StaticTransform is a known parameter rename for a tool family. Static
// transforms are tried before any LLM inference because they are
// instantaneous and deterministic; the LLM is the fallback for anything not
// covered here.
type StaticTransform struct {
	// ToolPrefix scopes the transform to tools whose name starts with the
	// prefix (case-insensitive). Empty matches every tool.
	ToolPrefix string

	// From is the parameter name the LLM keeps sending.
	From string

	// To is the parameter name the tool actually expects.
	To string
}

// defaultTransforms covers the renames observed across common tool families:
// free-text "instructions" fields renamed to structured search fields, and
// messaging parameters renamed to transport-specific names.
var defaultTransforms = []StaticTransform{
	{From: "instructions", To: "searchValue"},
	{From: "instructions", To: "query"},
	{ToolPrefix: "sms", From: "phone", To: "to"},
	{ToolPrefix: "sms", From: "message", To: "body"},
	{ToolPrefix: "twilio", From: "phone", To: "to"},
	{ToolPrefix: "twilio", From: "message", To: "body"},
	{ToolPrefix: "email", From: "instructions", To: "searchValue"},
	{ToolPrefix: "slack", From: "message", To: "text"},
}

// TransformTable resolves static renames against a tool's failure.
type TransformTable struct {
	transforms []StaticTransform
}

// NewTransformTable builds a table. With no arguments the default table is
// used; passing transforms replaces it entirely.
func NewTransformTable(transforms ...StaticTransform) *TransformTable {
	if len(transforms) == 0 {
		transforms = defaultTransforms
	}
	return &TransformTable{transforms: transforms}
}

// Resolve returns the rename to apply when the tool rejected wrongParam, or
// when the error names expectedParam and the request holds a known synonym.
// Either argument may be empty. Returns nil when nothing applies.
func (t *TransformTable) Resolve(toolName, wrongParam, expectedParam string) *StaticTransform {
	lowerTool := strings.ToLower(toolName)
	for i := range t.transforms {
		tr := &t.transforms[i]
		if tr.ToolPrefix != "" && !strings.HasPrefix(lowerTool, tr.ToolPrefix) {
			continue
		}
		if wrongParam != "" && tr.From == wrongParam {
			if expectedParam == "" || tr.To == expectedParam {
				return tr
			}
			continue
		}
		if wrongParam == "" && expectedParam != "" && tr.To == expectedParam {
			return tr
		}
	}
	return nil
}
