package logging

import (
	"io"
	"regexp"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

var (
	// "token":"...", "authorization":"...", "x-auth-token":"..." in JSON lines
	sensitiveField = regexp.MustCompile(`(?i)"((?:x[-_]auth[-_])?token|authorization|agent_token)"\s*:\s*"(?:[^"\\]|\\.)*"`)
	bearer         = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	pathToken      = regexp.MustCompile(`/t/[^/\s"?]+`)
)

// Redact masks auth tokens in a formatted log line.
func Redact(p []byte) []byte {
	p = sensitiveField.ReplaceAll(p, []byte(`"$1":"`+RedactedValue+`"`))
	p = bearer.ReplaceAll(p, []byte("Bearer "+RedactedValue))
	return pathToken.ReplaceAll(p, []byte("/t/"+RedactedValue))
}

// RedactingWriter filters every write through Redact. zerolog hands each
// event to the writer as one complete line, so patterns never straddle
// writes.
type RedactingWriter struct {
	w io.Writer
}

// NewRedactingWriter wraps w.
func NewRedactingWriter(w io.Writer) *RedactingWriter {
	return &RedactingWriter{w: w}
}

func (r *RedactingWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(Redact(p)); err != nil {
		return 0, err
	}
	// report the caller's length; the redacted line may differ in size
	return len(p), nil
}

// Close closes the underlying writer when it is closable.
func (r *RedactingWriter) Close() error {
	if c, ok := r.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
