package collab

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// Schemas embedded in collaborator prompts so the model knows the exact
// shape it must answer in.
var (
	TaskSpecSchema  = lazySchema(TaskSpec{})
	RetrievalSchema = lazySchema(Retrieval{})
	AuthoredSchema  = lazySchema(Authored{})
	LearnedSchema   = lazySchema(Learned{})
)

func lazySchema(zero any) func() string {
	return sync.OnceValue(func() string {
		return generateSchema(zero)
	})
}

func generateSchema(zero any) string {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(zero)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
