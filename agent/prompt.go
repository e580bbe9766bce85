package agent

import (
	"fmt"
	"strings"

	"github.com/m4xw311/codexbridge/tools"
)

// SystemPrompt describes the workspace and the tool catalog to the model.
func SystemPrompt(root string, defs []tools.Definition) string {
	var b strings.Builder
	b.WriteString("You are an expert software engineering assistant working in the user's local workspace.\n\n")
	fmt.Fprintf(&b, "Workspace root: %s\n", root)
	b.WriteString("All file paths are relative to the workspace root unless absolute, and must stay inside it.\n\n")

	if len(defs) > 0 {
		b.WriteString("Available tools:\n")
		for _, d := range defs {
			fmt.Fprintf(&b, "- %s: %s\n", d.Name, firstLine(d.Description))
		}
		b.WriteString("\n")
	}

	b.WriteString(`Guidelines:
1. Explore the code before changing it; read the files you are about to touch.
2. Keep changes small and consistent with the project's existing style.
3. Prefer edit_file for changes to existing files; write_file replaces the whole file.
4. Run the project's tests or build with shell to check your work.
5. Explain briefly what you are doing and why.
6. Avoid destructive commands.

You may call several tools in sequence. Work step by step and stop when the task is done.`)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
