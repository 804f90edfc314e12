package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	tests := []struct {
		filename string
		want     bool
	}{
		{"demanda.pdf", true},
		{"acta.txt", true},
		{"informe.html", true},
		{"informe.htm", true},
		{"informe.xhtml", true},
		{"contrato.docx", false}, // no external service configured
		{"audiencia.mp3", false}, // no transcriber configured
		{"datos.xlsx", false},
	}
	for _, tt := range tests {
		if got := r.Supports(tt.filename); got != tt.want {
			t.Errorf("Supports(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestRegistryUnsupported(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	_, err := r.Extract(context.Background(), []byte("x"), "datos.xlsx")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v, want ErrUnsupported", err)
	}
}

func TestRegistryEmptyContent(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	_, err := r.Extract(context.Background(), []byte("   \n\n  "), "vacio.txt")
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("got %v, want ErrNoContent", err)
	}
}

func TestRegistryCleansOutput(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	res, err := r.Extract(context.Background(), []byte("resoluciÃ³n   firme\n\n\n\nfin"), "nota.txt")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "resolución firme\n\nfin" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExternalClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/extract" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		json.NewEncoder(w).Encode(externalResponse{Text: "contenido del contrato"})
	}))
	defer srv.Close()

	c := NewExternalClient(srv.URL, "")
	res, err := c.Extract(context.Background(), []byte("fake-docx"), "contrato.docx")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "contenido del contrato" || res.Method != "external" {
		t.Errorf("got %+v", res)
	}
}

func TestExternalClientUnavailable(t *testing.T) {
	old := baseRetryDelay
	baseRetryDelay = time.Millisecond
	defer func() { baseRetryDelay = old }()

	c := NewExternalClient("http://127.0.0.1:1", "")
	_, err := c.Extract(context.Background(), []byte("x"), "contrato.doc")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestOCRClientPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ocr/pdf" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseMultipartForm(1 << 20)
		if got := r.FormValue("max_pages"); got != "20" {
			t.Errorf("max_pages = %s, want 20", got)
		}
		json.NewEncoder(w).Encode(ocrPDFResponse{Pages: []string{"página uno", "página dos"}})
	}))
	defer srv.Close()

	c := NewOCRClient(srv.URL, "", 0, 0)
	pages, err := c.RecognizePDF(context.Background(), []byte("fake-pdf"), "escaneo.pdf")
	if err != nil {
		t.Fatalf("RecognizePDF: %v", err)
	}
	if len(pages) != 2 || pages[0] != "página uno" {
		t.Errorf("pages = %v", pages)
	}
}
