package helpers

import "strings"

// MaskSensitive redacts credentials from a POP3 command line before it is logged.
// PASS keeps only the verb, APOP keeps the user name, and AUTH keeps the mechanism.
// Lines for other commands are returned unchanged.
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
	if len(parts) < 1 {
		return line
	}

	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}

	if cmdIndex == -1 {
		return line
	}

	// PASS <secret>; APOP <user> <digest>; AUTH <mech> <initial-response>
	keep := cmdIndex + 2
	if strings.EqualFold(command, "PASS") {
		keep = cmdIndex + 1
	}

	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}

	return line
}
