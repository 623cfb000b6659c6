package introspect

import (
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
)

// nameHints maps a parameter-name word to the kind it implies.
var nameHints = map[string]Kind{
	"name":      KindString,
	"owner":     KindString,
	"repo":      KindString,
	"namespace": KindString,
	"path":      KindString,
	"url":       KindString,

	"id":     KindInteger,
	"page":   KindInteger,
	"count":  KindInteger,
	"limit":  KindInteger,
	"offset": KindInteger,

	"private":   KindBoolean,
	"enabled":   KindBoolean,
	"force":     KindBoolean,
	"recursive": KindBoolean,
}

// InferFromName guesses a type from a parameter name. The last word of the
// name is consulted first, so "owner_id" is an integer and "repo_name" a string.
// It returns nil when no word is recognized.
func InferFromName(param string) *TypeRef {
	tokens := strings.Split(classify.Normalize(param), "_")
	for i := len(tokens) - 1; i >= 0; i-- {
		if k, ok := nameHints[tokens[i]]; ok {
			return &TypeRef{Kind: k}
		}
	}
	return nil
}

// resolveType applies the inference order: annotation, name heuristic, string.
func resolveType(annotated *TypeRef, param string) *TypeRef {
	if annotated != nil {
		return annotated
	}
	if t := InferFromName(param); t != nil {
		return t
	}
	return &TypeRef{Kind: KindString}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
