package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/joescharf/sitedit/internal/files"
	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/llm"
)

// Tool names offered to the model.
const (
	ToolRead  = "Read"
	ToolWrite = "Write"
	ToolEdit  = "Edit"
	ToolBash  = "Bash"
	ToolGlob  = "Glob"
	ToolGrep  = "Grep"
)

// ErrUnknownTool is returned for a tool name the agent does not offer.
var ErrUnknownTool = errors.New("unknown tool")

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Tools returns the schema of every tool the agent can run.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolRead,
			Description: "Read a file from the website and return its contents.",
			Properties:  map[string]any{"file_path": stringProp("Path relative to the site root")},
			Required:    []string{"file_path"},
		},
		{
			Name:        ToolWrite,
			Description: "Create or overwrite a file with the given content. The change is committed.",
			Properties: map[string]any{
				"file_path": stringProp("Path relative to the site root"),
				"content":   stringProp("Complete new file content"),
			},
			Required: []string{"file_path", "content"},
		},
		{
			Name:        ToolEdit,
			Description: "Replace the first occurrence of old_string with new_string in a file. The change is committed.",
			Properties: map[string]any{
				"file_path":  stringProp("Path relative to the site root"),
				"old_string": stringProp("Exact text to replace"),
				"new_string": stringProp("Replacement text"),
			},
			Required: []string{"file_path", "old_string", "new_string"},
		},
		{
			Name:        ToolBash,
			Description: "Run a shell command in the site directory. Output, exit code and timeouts are returned as JSON.",
			Properties:  map[string]any{"command": stringProp("Command line passed to sh -c")},
			Required:    []string{"command"},
		},
		{
			Name:        ToolGlob,
			Description: "List files matching a glob pattern such as **/*.html.",
			Properties:  map[string]any{"pattern": stringProp("Glob pattern relative to the site root")},
			Required:    []string{"pattern"},
		},
		{
			Name:        ToolGrep,
			Description: "Search file contents with a regular expression. Returns path:line:text lines.",
			Properties: map[string]any{
				"pattern": stringProp("Regular expression"),
				"path":    stringProp("Optional file or directory to search, relative to the site root"),
			},
			Required: []string{"pattern"},
		},
	}
}

// toolOutcome is the result of one tool call.
type toolOutcome struct {
	Content   string
	IsError   bool
	Committed bool
	// Changed is the path a Write or Edit touched.
	Changed string
}

// toolbox runs tools against one worktree on behalf of one user.
type toolbox struct {
	fs          *files.FS
	git         *git.Manager
	dir         string
	author      string
	bashTimeout time.Duration
}

type toolInput struct {
	FilePath  string  `json:"file_path"`
	Content   *string `json:"content"`
	OldString *string `json:"old_string"`
	NewString *string `json:"new_string"`
	Command   string  `json:"command"`
	Pattern   string  `json:"pattern"`
	Path      string  `json:"path"`
}

// run executes call. Only ErrUnknownTool is returned as an error; every
// other failure is reported to the model in the outcome.
func (tb *toolbox) run(ctx context.Context, call toolCall) (toolOutcome, error) {
	if call.ParseErr != nil {
		return failed(call.ParseErr.Error()), nil
	}
	var in toolInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return failed(fmt.Sprintf("invalid arguments: %s", err)), nil
	}

	switch call.Name {
	case ToolRead:
		if in.FilePath == "" {
			return failed("file_path is required"), nil
		}
		content, err := tb.fs.Read(in.FilePath)
		if err != nil {
			return failed(err.Error()), nil
		}
		return toolOutcome{Content: content}, nil

	case ToolWrite:
		if in.FilePath == "" || in.Content == nil {
			return failed("file_path and content are required"), nil
		}
		if err := tb.fs.Write(in.FilePath, *in.Content); err != nil {
			return failed(err.Error()), nil
		}
		return tb.commit(ctx, "Update "+in.FilePath, in.FilePath,
			fmt.Sprintf("Wrote %d bytes to %s", len(*in.Content), in.FilePath))

	case ToolEdit:
		if in.FilePath == "" || in.OldString == nil || in.NewString == nil {
			return failed("file_path, old_string and new_string are required"), nil
		}
		before, err := tb.fs.Read(in.FilePath)
		if err != nil {
			return failed(err.Error()), nil
		}
		if err := tb.fs.Edit(in.FilePath, *in.OldString, *in.NewString); err != nil {
			return failed(err.Error()), nil
		}
		after, err := tb.fs.Read(in.FilePath)
		if err != nil {
			return failed(err.Error()), nil
		}
		summary := fmt.Sprintf("Edited %s", in.FilePath)
		if d := lineDiff(before, after); d != "" {
			summary += "\n" + d
		}
		return tb.commit(ctx, "Edit "+in.FilePath, in.FilePath, summary)

	case ToolBash:
		if strings.TrimSpace(in.Command) == "" {
			return failed("command is required"), nil
		}
		res := runBash(ctx, tb.dir, in.Command, tb.bashTimeout)
		data, _ := json.Marshal(res)
		out := toolOutcome{Content: string(data)}
		// Commands may change files; those changes belong on the branch too.
		committed, err := tb.git.Commit(ctx, tb.dir, "Run "+truncate(in.Command, 60), tb.author)
		if err == nil {
			out.Committed = committed
		}
		return out, nil

	case ToolGlob:
		if in.Pattern == "" {
			return failed("pattern is required"), nil
		}
		matches, err := tb.fs.Glob(in.Pattern)
		if err != nil {
			return failed(err.Error()), nil
		}
		data, _ := json.Marshal(matches)
		return toolOutcome{Content: string(data)}, nil

	case ToolGrep:
		if in.Pattern == "" {
			return failed("pattern is required"), nil
		}
		out, err := tb.fs.Grep(in.Pattern, in.Path)
		if err != nil {
			if errors.Is(err, files.ErrNotFound) {
				return toolOutcome{}, nil
			}
			return failed(err.Error()), nil
		}
		return toolOutcome{Content: out}, nil
	}
	return toolOutcome{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
}

// commit records the write on the branch before the model hears about it.
func (tb *toolbox) commit(ctx context.Context, message, path, summary string) (toolOutcome, error) {
	committed, err := tb.git.Commit(ctx, tb.dir, message, tb.author)
	if err != nil {
		return failed(fmt.Sprintf("%s, but the commit failed: %s", summary, err)), nil
	}
	if !committed {
		summary += " (no changes to commit)"
	}
	return toolOutcome{Content: summary, Committed: committed, Changed: path}, nil
}

func failed(msg string) toolOutcome {
	return toolOutcome{Content: "Error: " + msg, IsError: true}
}

// lineDiff renders the changed lines between before and after as - and +
// lines.
func lineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(strings.TrimSuffix(line, "\n"))
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
