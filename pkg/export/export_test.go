package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/nicktill/telemetryd/pkg/stream"
	"github.com/nicktill/telemetryd/pkg/stream/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "DEFAULT__REDUCED_MINUTE__INST__HEALTH_STATUS"

func seed(t *testing.T) *memory.Client {
	t.Helper()
	client := memory.New()
	ctx := context.Background()
	_, err := client.Append(ctx, topic, 60_000, map[string]any{"TEMP__AVG": 10.5, "num_samples": int64(60)})
	require.NoError(t, err)
	_, err = client.Append(ctx, topic, 120_000, map[string]any{"TEMP__AVG": math.NaN(), "MODE": "SAFE"})
	require.NoError(t, err)
	_, err = client.Append(ctx, topic, 180_000, map[string]any{"TEMP__AVG": 12.0})
	require.NoError(t, err)
	return client
}

func all() Options {
	return Options{Topic: topic, Start: stream.Inclusive(stream.MinID), End: stream.Inclusive(stream.MaxID)}
}

func TestExportJSON(t *testing.T) {
	client := seed(t)
	var buf bytes.Buffer

	result, err := NewExporter(client).ExportJSON(context.Background(), &buf, all())
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecordsExported)
	assert.Equal(t, "json", result.Format)

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, topic, doc.Metadata.Topic)
	assert.Equal(t, 3, doc.Metadata.RecordCount)
	assert.Equal(t, Version, doc.Metadata.Version)
	require.Len(t, doc.Records, 3)
	assert.Equal(t, stream.ID{Millis: 60_000}, doc.Records[0].ID)
	assert.Equal(t, 10.5, doc.Records[0].Fields["TEMP__AVG"])

	v, ok := doc.Records[1].Fields["TEMP__AVG"]
	assert.True(t, ok)
	assert.Nil(t, v, "NaN should export as null")
}

func TestExportJSONRange(t *testing.T) {
	client := seed(t)
	var buf bytes.Buffer

	opts := all()
	opts.Start = stream.Exclusive(stream.ID{Millis: 60_000})
	opts.End = stream.Before(180_000)
	result, err := NewExporter(client).ExportJSON(context.Background(), &buf, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecordsExported)
}

func TestExportCSV(t *testing.T) {
	client := seed(t)
	var buf bytes.Buffer

	result, err := NewExporter(client).ExportCSV(context.Background(), &buf, all())
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecordsExported)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"id", "MODE", "TEMP__AVG", "num_samples"}, rows[0])
	assert.Equal(t, []string{"60000-0", "", "10.5", "60"}, rows[1])
	assert.Equal(t, []string{"120000-0", "SAFE", "NaN", ""}, rows[2])
	assert.Equal(t, []string{"180000-0", "", "12", ""}, rows[3])
}

func TestExportEmptyTopic(t *testing.T) {
	var buf bytes.Buffer
	result, err := NewExporter(memory.New()).ExportCSV(context.Background(), &buf, all())
	require.NoError(t, err)
	assert.Zero(t, result.RecordsExported)
	assert.Equal(t, "id\n", buf.String())
}

func TestImportRoundTrip(t *testing.T) {
	client := seed(t)
	var buf bytes.Buffer
	_, err := NewExporter(client).ExportJSON(context.Background(), &buf, all())
	require.NoError(t, err)

	restored := memory.New()
	result, err := NewImporter(restored).ImportJSON(context.Background(), topic, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RecordsImported)
	assert.Equal(t, "60000-0", result.First)
	assert.Equal(t, "180000-0", result.Last)
	assert.Empty(t, result.Errors)

	recs, err := restored.ReadRange(context.Background(), topic,
		stream.Inclusive(stream.MinID), stream.Inclusive(stream.MaxID), 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 10.5, recs[0].Fields["TEMP__AVG"])
	assert.Equal(t, "SAFE", recs[1].Fields["MODE"])
}

func TestImportSkipsEmptyRecords(t *testing.T) {
	body := `{"metadata":{"topic":"x"},"records":[{"id":"1000-0","fields":{}},{"id":"2000-0","fields":{"A":1}}]}`
	result, err := NewImporter(memory.New()).ImportJSON(context.Background(), "restored", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecordsImported)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "1000-0")
}

func TestImportRejectsBadInput(t *testing.T) {
	im := NewImporter(memory.New())

	_, err := im.ImportJSON(context.Background(), "restored", strings.NewReader("{not json"))
	assert.Error(t, err)

	_, err = im.ImportJSON(context.Background(), "", strings.NewReader(`{"records":[]}`))
	assert.Error(t, err)
}

func router(client stream.Client) *mux.Router {
	h := NewHandler(client, nil)
	r := mux.NewRouter()
	r.HandleFunc("/v1/topics/{topic}/export", h.HandleExport).Methods("GET")
	r.HandleFunc("/v1/topics/{topic}/import", h.HandleImport).Methods("POST")
	return r
}

func TestHandleExport(t *testing.T) {
	r := router(seed(t))

	tests := []struct {
		name        string
		query       string
		status      int
		contentType string
	}{
		{name: "default json", query: "", status: http.StatusOK, contentType: "application/json"},
		{name: "csv", query: "?format=csv", status: http.StatusOK, contentType: "text/csv"},
		{name: "bounded", query: "?start=60000-0&end=(180000-0", status: http.StatusOK, contentType: "application/json"},
		{name: "bad format", query: "?format=xml", status: http.StatusBadRequest},
		{name: "bad start", query: "?start=soon", status: http.StatusBadRequest},
		{name: "bad end", query: "?end=later", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/topics/"+topic+"/export"+tt.query, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
				assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=telemetryd-export-")
			}
		})
	}
}

func TestHandleImport(t *testing.T) {
	source := seed(t)
	var buf bytes.Buffer
	_, err := NewExporter(source).ExportJSON(context.Background(), &buf, all())
	require.NoError(t, err)

	restored := memory.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/topics/RESTORED/import", &buf)
	rec := httptest.NewRecorder()
	router(restored).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "RESTORED", result.Topic)
	assert.Equal(t, 3, result.RecordsImported)
	assert.Equal(t, 3, restored.Len("RESTORED"))

	req = httptest.NewRequest(http.MethodPost, "/v1/topics/RESTORED/import", strings.NewReader("nope"))
	rec = httptest.NewRecorder()
	router(restored).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
