package search

import (
	"bufio"
	"bytes"
	"os"
	"strings"
)

// PrepareMarkdownInMemory reads the knowledge-base Markdown at path and
// flattens table rows into standalone facts, one per row. Pricing and
// feature matrices are usually authored as tables, and a row only makes a
// useful retrieval snippet when its cells are joined into a sentence-like
// line. Files without tables are returned unchanged.
func PrepareMarkdownInMemory(path string) ([]byte, error) {
	orig, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(orig))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	wroteAny := false
	wroteBlank := true // suppress a leading blank line
	sawTable := false

	writeFact := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "text") {
			return
		}
		b.WriteString(s)
		b.WriteString("\n\n")
		wroteAny = true
		wroteBlank = true
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if !wroteBlank {
				b.WriteByte('\n')
				wroteBlank = true
			}
			continue
		}

		if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") {
			sawTable = true
			cols := strings.Split(strings.Trim(line, "|"), "|")

			// Separator rows ("|---|:--:|") carry no content.
			allSep := true
			cleaned := make([]string, 0, len(cols))
			for _, c := range cols {
				cell := strings.TrimSpace(c)
				if cell != "" {
					cleaned = append(cleaned, cell)
				}
				tmp := strings.ReplaceAll(cell, ":", "")
				tmp = strings.ReplaceAll(tmp, "-", "")
				if strings.TrimSpace(tmp) != "" {
					allSep = false
				}
			}
			if allSep || len(cleaned) == 0 {
				continue
			}
			writeFact(strings.Join(cleaned, " "))
			continue
		}

		wroteBlank = false
		writeFact(line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if !sawTable && !wroteAny {
		return orig, nil
	}

	out := b.String()
	if sawTable {
		out = strings.TrimRight(out, "\n") + "\n"
	}
	return []byte(out), nil
}
