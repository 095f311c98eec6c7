package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// FormatForCLI renders err for a terminal: the message, any details in key
// order, the suggestion and the code. verbose appends the cause chain.
func FormatForCLI(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	se, ok := As(err)
	if !ok {
		return "Error: " + err.Error() + "\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", se.Message)
	for _, k := range sortedKeys(se.Details) {
		fmt.Fprintf(&sb, "  %s: %s\n", k, se.Details[k])
	}
	if se.Suggestion != "" {
		fmt.Fprintf(&sb, "  Hint: %s\n", se.Suggestion)
	}
	fmt.Fprintf(&sb, "  Code: %s\n", se.Code)
	if verbose {
		for cause := se.Cause; cause != nil; cause = stderrors.Unwrap(cause) {
			fmt.Fprintf(&sb, "  Cause: %s\n", cause)
		}
	}
	return sb.String()
}

// Attr is the "error" log attribute for err. A SearchError becomes a group
// carrying its code, category and details, so log queries can filter on
// them; any other error is logged as its message.
func Attr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	se, ok := As(err)
	if !ok {
		return slog.String("error", err.Error())
	}

	attrs := []any{
		slog.String("code", se.Code),
		slog.String("message", se.Message),
		slog.String("category", string(se.Category)),
		slog.Bool("retryable", se.Retryable),
	}
	if se.Cause != nil {
		attrs = append(attrs, slog.String("cause", se.Cause.Error()))
	}
	for _, k := range sortedKeys(se.Details) {
		attrs = append(attrs, slog.String(k, se.Details[k]))
	}
	return slog.Group("error", attrs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
