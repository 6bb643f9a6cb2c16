package logging

import "regexp"

const redacted = "***REDACTED***"

type redaction struct {
	re   *regexp.Regexp
	repl string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-=/+]+`), "Bearer " + redacted},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{8,}`), redacted},
	// Telegram puts the bot token in the request path.
	{regexp.MustCompile(`/bot[0-9]+:[A-Za-z0-9_\-]+`), "/bot" + redacted},
	// Gemini takes the API key as a query parameter.
	{regexp.MustCompile(`([?&]key=)[^&\s"']+`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)\b([A-Za-z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY))\s*([:=])\s*["']?[^\s"']+`), "${1}${2}" + redacted},
}

// Redact masks API keys and bot tokens in text bound for logs.
func Redact(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// RedactError is Redact for errors; nil yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
