package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_StatusLines(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  string
	}{
		{"status with icon", func(w *Writer) { w.Status("→", "syncing") }, "→ syncing\n"},
		{"status without icon", func(w *Writer) { w.Status("", "detail") }, "   detail\n"},
		{"statusf", func(w *Writer) { w.Statusf("→", "%d sources", 3) }, "→ 3 sources\n"},
		{"success", func(w *Writer) { w.Successf("indexed %d", 2) }, "✓ indexed 2\n"},
		{"warning", func(w *Writer) { w.Warningf("source %s failed", "chat") }, "! source chat failed\n"},
		{"error", func(w *Writer) { w.Errorf("bad %s", "input") }, "✗ bad input\n"},
		{"newline", func(w *Writer) { w.Newline() }, "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.write(New(buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriter_Field(t *testing.T) {
	buf := &bytes.Buffer{}

	New(buf).Field("Location", "/tmp/x.yaml")

	assert.Equal(t, "   Location:    /tmp/x.yaml\n", buf.String())
}

func TestWriter_Table(t *testing.T) {
	// Given: rows of uneven width
	buf := &bytes.Buffer{}

	// When: printing a table
	New(buf).Table([]string{"SOURCE", "FETCHED"}, [][]string{{"mail", "10"}, {"wiki-pages", "3"}})

	// Then: columns line up
	assert.Equal(t, "SOURCE      FETCHED\nmail        10\nwiki-pages  3\n", buf.String())
}
