package httpapi

import "github.com/invopop/jsonschema"

// Reflected once at package init so tests and doc tooling can assert the
// wire shapes of the backend contract without hand-maintaining a second
// copy of the struct tags.
var (
	initRequestSchema       = reflectSchema(InitRequest{})
	llmStatusResponseSchema = reflectSchema(LLMStatusResponse{})
	workflowResponseSchema  = reflectSchema(WorkflowResponse{})
)

func reflectSchema(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.Reflect(v)
}

// InitRequestSchema returns the JSON Schema for the draft streaming init
// request body.
func InitRequestSchema() *jsonschema.Schema { return initRequestSchema }

// LLMStatusResponseSchema returns the JSON Schema for the LLM status
// polling response body.
func LLMStatusResponseSchema() *jsonschema.Schema { return llmStatusResponseSchema }

// WorkflowResponseSchema returns the JSON Schema for the LLM workflow
// trigger response body.
func WorkflowResponseSchema() *jsonschema.Schema { return workflowResponseSchema }
