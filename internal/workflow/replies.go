package workflow

import (
	"fmt"
	"strings"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

const (
	replyGeneric           = "I can help you troubleshoot your machine. Describe the problem you're seeing and I'll guide you step by step."
	replyNeedMachine       = "I can help with that. Please select the machine you're working on so I can tailor the steps."
	replyCompleted         = "Great, glad that fixed it. I've recorded what worked so it can help others with the same problem."
	replyAbandoned         = "Okay, I've closed this troubleshooting session. Start a new one any time."
	messageMachineSelected = "Machine selected: %s"
)

// stepMessage renders a step as the assistant's chat message.
func stepMessage(step *models.DiagnosticStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d: %s", step.StepNumber, step.Instruction)
	if len(step.SafetyWarnings) > 0 {
		b.WriteString("\n\nSafety:")
		for _, w := range step.SafetyWarnings {
			b.WriteString("\n- ")
			b.WriteString(w)
		}
	}
	if step.EstimatedDurationMinutes > 0 {
		fmt.Fprintf(&b, "\n\nThis should take about %d minutes.", step.EstimatedDurationMinutes)
	}
	return b.String()
}

func machineLabel(machineID, machineModel string) string {
	if machineModel == "" || machineModel == machineID {
		return machineID
	}
	return fmt.Sprintf("%s (%s)", machineID, machineModel)
}
