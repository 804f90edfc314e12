package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrValidation marks bad upload input. No persistent state is written
// when validation fails.
var ErrValidation = errors.New("ingest: validation failed")

// expedientePattern is the business-key format for Costa Rican judicial
// case folders: year (2 or 4 digits), consecutive, office, matter code.
var expedientePattern = regexp.MustCompile(`^(\d{2}|\d{4})-\d{6}-\d{4}-[A-Z]{2}$`)

// allowedExtensions is the closed ingestion allow-list.
var allowedExtensions = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "rtf": true,
	"txt": true, "html": true, "htm": true, "xhtml": true,
	"mp3": true, "wav": true, "ogg": true, "m4a": true,
}

// ValidExpediente reports whether numero matches the business-key format.
func ValidExpediente(numero string) bool {
	return expedientePattern.MatchString(numero)
}

// ValidateUpload fail-fast checks an upload before any side effect.
func ValidateUpload(expediente, filename string, size, maxSize int64) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: nombre de archivo vacío", ErrValidation)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !allowedExtensions[ext] {
		return fmt.Errorf("%w: extensión no permitida: %q", ErrValidation, ext)
	}
	if size <= 0 {
		return fmt.Errorf("%w: archivo vacío", ErrValidation)
	}
	if size > maxSize {
		return fmt.Errorf("%w: archivo de %d bytes excede el máximo de %d", ErrValidation, size, maxSize)
	}
	if !ValidExpediente(expediente) {
		return fmt.Errorf("%w: número de expediente inválido: %q", ErrValidation, expediente)
	}
	return nil
}
