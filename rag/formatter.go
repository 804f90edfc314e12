package rag

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/expedientelab/lexrag/vectorstore"
)

// FormatContext renders retrieved chunks as the grounded context block the
// answer prompt receives. Chunks are grouped by expediente (ascending, so
// the numbering is stable across runs) under a banner that counts the
// distinct documents in the group.
func FormatContext(items []vectorstore.Item) string {
	if len(items) == 0 {
		return ""
	}

	groups := make(map[string][]vectorstore.Item)
	for _, it := range items {
		groups[it.ExpedienteNumero] = append(groups[it.ExpedienteNumero], it)
	}
	numeros := make([]string, 0, len(groups))
	for n := range groups {
		numeros = append(numeros, n)
	}
	sort.Strings(numeros)

	banner := strings.Repeat("=", 80)
	var b strings.Builder
	for _, numero := range numeros {
		group := groups[numero]
		docs := make(map[string]bool)
		for _, it := range group {
			docs[it.Filename] = true
		}

		b.WriteString(banner)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "EXPEDIENTE: %s (%d documentos)\n", numero, len(docs))
		b.WriteString(banner)
		b.WriteString("\n\n")

		for _, it := range group {
			fmt.Fprintf(&b, "**Expediente:** %s | **Archivo:** %s | **Chunk:** %d",
				it.ExpedienteNumero, it.Filename, it.ChunkIndex)
			if it.PageStart > 0 {
				fmt.Fprintf(&b, " | **Págs:** %d-%d", it.PageStart, it.PageEnd)
			}
			b.WriteByte('\n')
			// The stored ruta carries any collision suffix from the save;
			// only synthesize a path when the index predates the column.
			ruta := it.Ruta
			if ruta == "" {
				ruta = DocumentPath(it.ExpedienteNumero, it.Filename)
			}
			fmt.Fprintf(&b, "**Ruta:** %s\n", ruta)
			b.WriteString("---\n")
			b.WriteString(strings.TrimSpace(it.Text))
			b.WriteString("\n---\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DocumentPath is the relative path a citation points at.
func DocumentPath(expediente, filename string) string {
	return path.Join("uploads", expediente, filename)
}
