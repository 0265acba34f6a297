// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`&`, `\&`,
	`%`, `\%`,
	`$`, `\$`,
	`#`, `\#`,
	`_`, `\_`,
	`{`, `\{`,
	`}`, `\}`,
	`~`, `\textasciitilde{}`,
	`^`, `\textasciicircum{}`,
)

func latexEscape(s string) string { return latexEscaper.Replace(s) }

// writeTabular writes a LaTeX tabular environment. The first column
// is left-aligned, the rest right-aligned.
func writeTabular(w io.Writer, header []string, rows [][]string) error {
	spec := "l" + strings.Repeat("r", len(header)-1)
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "\\begin{tabular}{%s}\n\\hline\n", spec)
	writeTabularRow(bw, header)
	bw.WriteString("\\hline\n")
	for _, row := range rows {
		writeTabularRow(bw, row)
	}
	bw.WriteString("\\hline\n\\end{tabular}\n")
	return bw.Flush()
}

func writeTabularRow(w io.Writer, cells []string) {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = latexEscape(c)
	}
	fmt.Fprintf(w, "%s \\\\\n", strings.Join(escaped, " & "))
}

func writeTabularFile(fnm string, header []string, rows [][]string) error {
	log.Infof("writing %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	err = writeTabular(f, header, rows)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}

func (rs *runStatistics) writeLatex(fnm string) error {
	var rows [][]string
	for _, r := range rs.rows() {
		rows = append(rows, []string{r.Name, r.Value})
	}
	return writeTabularFile(fnm, []string{"statistic", "value"}, rows)
}

func (t *cellCounts) writeLatex(fnm string) error {
	header, rows := t.table()
	return writeTabularFile(fnm, header, rows)
}
