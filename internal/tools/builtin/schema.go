// Package builtin registers the concrete tool set that exercises the
// sandbox, the project-root anchor, and the auto-commit hook end to end.
// Grounded on original_source/bbclaw/tools/filesystem.py,
// tools/self_improve.py, tools/terminal.py, and tools/scheduling.py
// (features the spec.md distillation dropped but original_source carries).
package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// mustSchema reflects a Go struct into a JSON-Schema literal, grounded on
// basegraphhq-basegraph/relay/common/llm/client.go's GenerateSchema[T].
func mustSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(err) // schema literals are fixed at compile time; a failure here is a programming error
	}
	return data
}
