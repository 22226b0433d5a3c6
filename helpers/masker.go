package helpers

import "strings"

// MaskSensitive redacts the arguments of a command line when the command is
// one of sensitiveCommands, so that passwords never reach the logs.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	if len(parts) <= 1 {
		return line
	}
	return parts[0] + " [REDACTED]"
}
