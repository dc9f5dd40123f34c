package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Summary prints one column per state file, with the number of variables, elements and bytes under --prefix.
// Rows that differ among the files are highlighted.
func Summary(files []*stateFile, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, append([]string{"file"}, names...)...)
	if *flagPrefix != "" {
		table.Row(false, append([]string{"prefix"}, repeat(*flagPrefix, len(files))...)...)
	}

	numFiles := len(files)
	variablesRow := make([]string, numFiles)
	elementsRow := make([]string, numFiles)
	memoryRow := make([]string, numFiles)
	dtypesRow := make([]string, numFiles)
	for ii, sf := range files {
		var numVars, totalSize int
		var totalMemory uintptr
		dtypes := make(map[string]bool)
		for _, key := range sf.filteredKeys() {
			shape := sf.values[key].Shape()
			numVars++
			totalSize += shape.Size()
			totalMemory += shape.Memory()
			dtypes[shape.DType.String()] = true
		}
		variablesRow[ii] = humanize.Comma(int64(numVars))
		elementsRow[ii] = humanize.Comma(int64(totalSize))
		memoryRow[ii] = humanize.Bytes(uint64(totalMemory))
		dtypesRow[ii] = fmt.Sprint(len(dtypes))
	}
	for _, row := range []struct {
		name   string
		values []string
	}{
		{"# variables", variablesRow},
		{"# elements", elementsRow},
		{"# bytes", memoryRow},
		{"# dtypes", dtypesRow},
	} {
		table.Row(!isAllEqual(row.values), append([]string{row.name}, row.values...)...)
	}
	fmt.Println(table.Table.Render())
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for ii := range out {
		out[ii] = s
	}
	return out
}
