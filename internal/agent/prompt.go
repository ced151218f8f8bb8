package agent

import (
	"fmt"
	"strings"
)

const basePrompt = `You are a website editing assistant. You change the website's files on the user's behalf using the tools provided.

Guidelines:
- Read a file before editing it. Prefer Edit for small changes and Write for new files or full rewrites.
- Every Write and Edit is committed immediately; there is no separate save step.
- Keep changes minimal and focused on what the user asked for.
- Bash runs in the site directory with a 30 second limit. Do not start servers or long-running processes.
- When you are done, briefly tell the user what you changed.`

// SystemPrompt returns the system prompt for a turn by username on branch.
func SystemPrompt(username, branch string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	if username != "" || branch != "" {
		sb.WriteString("\n\nContext:\n")
	}
	if username != "" {
		fmt.Fprintf(&sb, "- You are working for %s.\n", username)
	}
	if branch != "" {
		fmt.Fprintf(&sb, "- Changes go to branch %s and are reviewed by an admin before they are published.\n", branch)
	}
	return strings.TrimRight(sb.String(), "\n")
}
