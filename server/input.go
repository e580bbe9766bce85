package server

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/m4xw311/codexbridge/tools"
)

// maxInlineResource caps how much of a linked file is pasted into the prompt.
const maxInlineResource = 50000

type inputItem struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// userInput joins the text items of a turn/start input with newlines.
// resource_link items pointing at files inside the workspace are inlined.
func userInput(sb *tools.Sandbox, items []inputItem) string {
	var parts []string
	for _, item := range items {
		switch item.Type {
		case "text":
			if strings.TrimSpace(item.Text) != "" {
				parts = append(parts, item.Text)
			}
		case "resource_link":
			parts = append(parts, describeResource(sb, item))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(sb *tools.Sandbox, item inputItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Resource: %s ===\n", item.Name)
	if item.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", item.Title)
	}
	if item.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", item.Description)
	}
	fmt.Fprintf(&b, "URI: %s\n", item.URI)
	if item.MimeType != "" {
		fmt.Fprintf(&b, "Type: %s\n", item.MimeType)
	}
	if item.Size != nil {
		fmt.Fprintf(&b, "Size: %d bytes\n", *item.Size)
	}

	if strings.HasPrefix(item.URI, "file://") {
		content, err := readResource(sb, item.URI)
		if err != nil {
			fmt.Fprintf(&b, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxInlineResource {
				content = content[:maxInlineResource] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&b, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		b.WriteString("\n[External resource - content not available]\n")
	}
	b.WriteString("=== End Resource ===\n")
	return b.String()
}

// readResource reads a file:// URI through the sandbox so links cannot reach
// outside the workspace or into hidden paths.
func readResource(sb *tools.Sandbox, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	path, err := sb.Resolve(u.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
