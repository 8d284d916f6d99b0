package config

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseRecipients extracts addresses from a recipient list.
//
// Entries are separated by newlines, commas or semicolons. Surrounding
// whitespace is trimmed and entries without an '@' are dropped.
func ParseRecipients(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})

	recipients := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" && strings.Contains(f, "@") {
			recipients = append(recipients, f)
		}
	}
	return recipients
}

// ReadRecipients reads a recipient list from r, at most limit bytes.
func ReadRecipients(r io.Reader, limit int64) ([]string, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("recipient list exceeds %d bytes", limit)
	}
	return ParseRecipients(string(data)), nil
}

// LoadRecipients reads a recipient list file.
func LoadRecipients(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}
	return ParseRecipients(string(data)), nil
}
