package zap

import "strings"

// controlCharReplacer escapes characters usable for log injection (CWE-117).
// Webhook URLs and upstream error text are attacker-influenced.
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeString(s string) string {
	return controlCharReplacer.Replace(s)
}
