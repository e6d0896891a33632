package export

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nicktill/telemetryd/pkg/httpx"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/stream"
)

const maxImportBytes = 64 << 20

// Handler serves topic export and import.
type Handler struct {
	exporter *Exporter
	importer *Importer
	log      *slog.Logger
}

func NewHandler(client stream.Client, log *slog.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(client),
		importer: NewImporter(client),
		log:      logging.OrDefault(log).With("component", "export"),
	}
}

// HandleExport handles GET /v1/topics/{topic}/export.
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start, end: stream bounds (default: the whole topic)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := Options{Topic: mux.Vars(r)["topic"]}

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	var err error
	if opts.Start, err = parseBound(query.Get("start"), "-"); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if opts.End, err = parseBound(query.Get("end"), "+"); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	// Export into a buffer so a read failure can still be reported as a 500.
	var (
		buf    bytes.Buffer
		result *Result
	)
	if format == "json" {
		result, err = h.exporter.ExportJSON(r.Context(), &buf, opts)
	} else {
		result, err = h.exporter.ExportCSV(r.Context(), &buf, opts)
	}
	if err != nil {
		h.log.Error("export failed", "topic", opts.Topic, "err", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	filename := "telemetryd-export-" + time.Now().UTC().Format("20060102-150405") + "." + format
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.log.Warn("failed to write export", "topic", opts.Topic, "err", err)
		return
	}
	h.log.Info("topic exported", "topic", opts.Topic, "records", result.RecordsExported, "format", format)
}

// HandleImport handles POST /v1/topics/{topic}/import with a JSON export as
// the body.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	result, err := h.importer.ImportJSON(r.Context(), topic, body)
	if err != nil {
		h.log.Error("import failed", "topic", topic, "err", err)
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(result.Errors) > 0 {
		h.log.Warn("import skipped records", "topic", topic, "skipped", len(result.Errors))
	}
	h.log.Info("topic imported", "topic", topic, "records", result.RecordsImported)
	httpx.RespondJSON(w, http.StatusOK, result)
}

func parseBound(v, fallback string) (stream.Bound, error) {
	if v == "" {
		v = fallback
	}
	return stream.ParseBound(v)
}
