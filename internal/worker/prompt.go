package worker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/pickle/internal/decision"
)

// TemplatePath is where an installation may override the worker prompt, relative to the state dir.
const TemplatePath = "commands/send-to-worker.md"

// DefaultTemplate is used when no override is installed. $ARGUMENTS is
// replaced with the task and ${extensionPath} with the state dir.
const DefaultTemplate = "# TASK REQUEST\n$ARGUMENTS\n\nYou are a pickle worker. Implement the request above for a single ticket."

// shortPromptLimit is the size below which the prompt gets the minimal loop instructions appended.
const shortPromptLimit = 500

// PromptInput is everything rendered into a worker prompt.
type PromptInput struct {
	Task          string
	TicketID      string
	TicketDir     string
	TicketContent string
	SessionRoot   string
	StateDir      string
}

// LoadTemplate returns the installed template from stateDir, or DefaultTemplate.
func LoadTemplate(stateDir string) string {
	if stateDir == "" {
		return DefaultTemplate
	}
	data, err := os.ReadFile(filepath.Join(stateDir, TemplatePath))
	if err != nil {
		return DefaultTemplate
	}
	if t := strings.TrimSpace(string(data)); t != "" {
		return t
	}
	return DefaultTemplate
}

// BuildPrompt renders tmpl and appends the ticket content, the execution
// context and the single-ticket restriction.
func BuildPrompt(tmpl string, in PromptInput) string {
	p := strings.ReplaceAll(tmpl, "${extensionPath}", in.StateDir)
	p = strings.ReplaceAll(p, "$ARGUMENTS", in.Task)

	content := in.TicketContent
	if content == "" {
		content = "N/A"
	}

	var b strings.Builder
	b.WriteString(p)
	b.WriteString("\n\n# TARGET TICKET CONTENT\n")
	b.WriteString(content)
	b.WriteString("\n\n# EXECUTION CONTEXT\n")
	b.WriteString("- SESSION_ROOT: " + in.SessionRoot + "\n")
	b.WriteString("- TICKET_ID: " + in.TicketID + "\n")
	b.WriteString("- TICKET_DIR: " + in.TicketDir)
	b.WriteString("\n\n**IMPORTANT**: You are a localized worker. You are FORBIDDEN from working on ANY other tickets. ")
	b.WriteString("Once you output `" + decision.Wrap(decision.TokenWorkerDone) + "`, you MUST STOP and let the manager take over.")

	if b.Len() < shortPromptLimit {
		b.WriteString("\n\n1. Work only inside the ticket directory.\n2. Verify your changes.\n3. Output: ")
		b.WriteString(decision.Wrap(decision.TokenWorkerDone))
	}
	return b.String()
}
