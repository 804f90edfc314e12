// Package audit writes bitácora entries for user-visible operations.
// Auditing is observational: a failed write is logged and swallowed so it
// never breaks the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/expedientelab/lexrag/store"
)

// Action codes, mirroring the tipos_accion catalogue.
const (
	ActionSimilarCases     = 1
	ActionDocumentUpload   = 2
	ActionLogin            = 3
	ActionLogout           = 4
	ActionPasswordChange   = 5
	ActionPasswordRecovery = 6
	ActionCreateUser       = 7
	ActionEditUser         = 8
	ActionListUsers        = 9
	ActionDownloadFile     = 10
	ActionListFiles        = 11
	ActionRAGQuery         = 12
	ActionSummary          = 13
	ActionViewAudit        = 14
	ActionExportAudit      = 15
)

// Recorder is the slice of the relational store the logger needs.
type Recorder interface {
	InsertAudit(ctx context.Context, rec store.AuditRecord) error
}

// Logger records audit events.
type Logger struct {
	store Recorder
}

func NewLogger(store Recorder) *Logger {
	return &Logger{store: store}
}

// Event describes one auditable operation.
type Event struct {
	UserID       string
	ActionTypeID int
	Text         string
	ExpedienteID int64
	Info         map[string]any
}

// Record writes the event. Unknown action codes and storage failures are
// logged, never returned.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if l == nil || l.store == nil {
		return
	}
	if store.ActionTypeName(ev.ActionTypeID) == "" {
		slog.Warn("audit: unknown action code", "action", ev.ActionTypeID, "text", ev.Text)
		return
	}

	rec := store.AuditRecord{ActionTypeID: ev.ActionTypeID, Text: ev.Text}
	if ev.UserID != "" {
		rec.UserID = &ev.UserID
	}
	if ev.ExpedienteID != 0 {
		rec.ExpedienteID = &ev.ExpedienteID
	}
	if len(ev.Info) > 0 {
		raw, err := json.Marshal(ev.Info)
		if err != nil {
			slog.Warn("audit: serializing info", "error", err)
		} else {
			rec.Info = string(raw)
		}
	}

	if err := l.store.InsertAudit(ctx, rec); err != nil {
		slog.Error("audit: recording event failed", "action", ev.ActionTypeID, "error", err)
	}
}

// Upload records a document ingestion.
func (l *Logger) Upload(ctx context.Context, userID string, expedienteID int64, filename string) {
	l.Record(ctx, Event{
		UserID:       userID,
		ActionTypeID: ActionDocumentUpload,
		Text:         "Carga de documento: " + filename,
		ExpedienteID: expedienteID,
	})
}

// Query records a consultation. Expediente-scoped questions are RAG
// consultations; everything else lands as a similar-case search.
func (l *Logger) Query(ctx context.Context, userID, question string, expedienteScoped bool) {
	action, text := ActionSimilarCases, "Búsqueda de casos similares"
	if expedienteScoped {
		action, text = ActionRAGQuery, "Consulta RAG"
	}
	l.Record(ctx, Event{
		UserID:       userID,
		ActionTypeID: action,
		Text:         text,
		Info:         map[string]any{"question": question},
	})
}
