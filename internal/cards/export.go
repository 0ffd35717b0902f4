package cards

import (
	"bufio"
	"io"
	"strings"
	"time"
)

var csvHeader = []string{"identifier", "state", "registered_at", "withdrawn_at"}

// WriteCSV writes records as CSV with every field quoted.
func WriteCSV(w io.Writer, records []CardRecord) error {
	bw := bufio.NewWriter(w)
	writeRow(bw, csvHeader, false)
	for _, r := range records {
		withdrawn := ""
		if r.WithdrawnAt != nil {
			withdrawn = r.WithdrawnAt.Format(time.RFC3339)
		}
		writeRow(bw, []string{r.Identifier, string(r.State), r.RegisteredAt.Format(time.RFC3339), withdrawn}, true)
	}
	return bw.Flush()
}

func writeRow(bw *bufio.Writer, fields []string, quote bool) {
	for i, f := range fields {
		if i > 0 {
			bw.WriteByte(',')
		}
		if !quote {
			bw.WriteString(f)
			continue
		}
		bw.WriteByte('"')
		bw.WriteString(strings.ReplaceAll(f, `"`, `""`))
		bw.WriteByte('"')
	}
	bw.WriteByte('\n')
}
