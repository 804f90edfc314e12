package store

// schemaSQL is the DDL for the relational side of the platform. The vector
// index lives in a separate database owned by the vectorstore package; the
// chunk_textos table here mirrors chunk text and page ranges so listings
// and fallbacks work without touching the vector index.
const schemaSQL = `
-- Expedientes judiciales, únicos por número de carpeta
CREATE TABLE IF NOT EXISTS expedientes (
    id INTEGER PRIMARY KEY,
    numero TEXT NOT NULL UNIQUE,
    fecha_creacion DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Catálogo cerrado de tipos de contenido
CREATE TABLE IF NOT EXISTS tipos_contenido (
    id INTEGER PRIMARY KEY,
    extension TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS documentos (
    id INTEGER PRIMARY KEY,
    id_expediente INTEGER NOT NULL REFERENCES expedientes(id) ON DELETE CASCADE,
    nombre TEXT NOT NULL,
    extension TEXT NOT NULL,
    id_tipo_contenido INTEGER REFERENCES tipos_contenido(id),
    ruta TEXT,
    fecha_subida DATETIME DEFAULT CURRENT_TIMESTAMP,
    estado TEXT NOT NULL DEFAULT 'Pendiente'
);

-- Espejo relacional del texto de los chunks del índice vectorial
CREATE TABLE IF NOT EXISTS chunk_textos (
    id INTEGER PRIMARY KEY,
    id_documento INTEGER NOT NULL REFERENCES documentos(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    page_start INTEGER NOT NULL DEFAULT 0,
    page_end INTEGER NOT NULL DEFAULT 0,
    texto TEXT NOT NULL,
    UNIQUE(id_documento, chunk_index)
);

-- Catálogo cerrado de tipos de acción de bitácora
CREATE TABLE IF NOT EXISTS tipos_accion (
    id INTEGER PRIMARY KEY,
    nombre TEXT NOT NULL
);

-- Bitácora de acciones, solo inserción
CREATE TABLE IF NOT EXISTS bitacora (
    id INTEGER PRIMARY KEY,
    fecha DATETIME DEFAULT CURRENT_TIMESTAMP,
    id_usuario TEXT,
    id_tipo_accion INTEGER NOT NULL REFERENCES tipos_accion(id),
    texto TEXT NOT NULL,
    id_expediente INTEGER REFERENCES expedientes(id),
    info JSON
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_documentos_expediente ON documentos(id_expediente);
CREATE INDEX IF NOT EXISTS idx_documentos_estado ON documentos(estado);
CREATE INDEX IF NOT EXISTS idx_chunk_textos_documento ON chunk_textos(id_documento);
CREATE INDEX IF NOT EXISTS idx_bitacora_usuario ON bitacora(id_usuario);
CREATE INDEX IF NOT EXISTS idx_bitacora_tipo ON bitacora(id_tipo_accion);
`

// contentTypes maps file extensions to their catalogue codes. The numbers
// are stable identifiers shared with downstream reporting, do not renumber.
var contentTypes = map[string]int{
	"pdf":   1,
	"doc":   2,
	"docx":  3,
	"rtf":   4,
	"txt":   5,
	"html":  6,
	"htm":   7,
	"xhtml": 8,
	"mp3":   9,
	"wav":   10,
	"ogg":   11,
	"m4a":   12,
	"png":   13,
	"jpg":   14,
	"jpeg":  15,
	"tiff":  16,
	"bmp":   17,
}

// actionTypes is the closed bitácora enumeration, do not renumber.
var actionTypes = map[int]string{
	1:  "Búsqueda de Casos Similares",
	2:  "Carga de Documentos",
	3:  "Login",
	4:  "Logout",
	5:  "Cambio de Contraseña",
	6:  "Recuperación de Contraseña",
	7:  "Crear Usuario",
	8:  "Editar Usuario",
	9:  "Consultar Usuarios",
	10: "Descargar Archivo",
	11: "Listar Archivos",
	12: "Consulta RAG",
	13: "Generar Resumen",
	14: "Consultar Bitácora",
	15: "Exportar Bitácora",
}

// ContentTypeID returns the catalogue code for an extension, or 0 when the
// extension is not in the catalogue.
func ContentTypeID(ext string) int {
	return contentTypes[ext]
}

// ActionTypeName returns the catalogue name for an action code.
func ActionTypeName(id int) string {
	return actionTypes[id]
}
