// ABOUTME: Routing policy contract: choose a tool and target agent, or ask for clarification
// ABOUTME: Policies decide; the Host carries out the decision through agent connections

package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/conclave/internal/a2a"
)

// Tool names exposed by the host.
const (
	ToolSendMessage   = "send_message"
	ToolGetTaskStatus = "get_task_status"
	ToolCancelTask    = "cancel_task"
)

// Decision is a policy's verdict for one user message. A zero AgentURL
// means the user must be asked for clarification. A non-empty Message
// replaces the user's text in what is sent to the agent.
type Decision struct {
	Tool          string
	AgentURL      string
	TaskID        string
	Message       string
	Clarification string
	Reason        string
}

// Clarify reports whether the decision asks the user for more information.
func (d Decision) Clarify() bool {
	return d.AgentURL == ""
}

// Policy selects which agent, if any, should handle a message. agents is a
// snapshot of the registry; each card's URL is its registry key.
type Policy interface {
	Name() string
	Decide(ctx context.Context, text string, agents []a2a.AgentCard) (Decision, error)
}

// ClarificationText lists the registered agents so the user can rephrase.
func ClarificationText(agents []a2a.AgentCard) string {
	if len(agents) == 0 {
		return "No remote agents are registered yet, so I can't hand this request to anyone. Register an agent and try again."
	}
	var b strings.Builder
	b.WriteString("I'm not sure which agent should handle that. These agents are available:\n")
	for _, a := range agents {
		name := a.Name
		if name == "" {
			name = a.URL
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, a.Description)
	}
	b.WriteString("Could you tell me more about what you need?")
	return b.String()
}
