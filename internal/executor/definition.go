package executor

// ToolName is the name the model calls the sandbox by.
const ToolName = "executePythonCode"

// Definition is the tool declaration handed to the model provider.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolDefinition describes the code-execution tool.
func ToolDefinition() Definition {
	return Definition{
		Name: ToolName,
		Description: "Execute Python code in a sandboxed interpreter and return its output. " +
			"Use this for calculations, data transformations and anything that benefits from running real code.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "Python source to execute",
				},
				"output_format": map[string]interface{}{
					"type":        "string",
					"enum":        []string{string(FormatPlain), string(FormatRich), string(FormatJSON)},
					"description": "How to render the output",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Advisory execution timeout in seconds",
				},
			},
			"required": []string{"code"},
		},
	}
}
