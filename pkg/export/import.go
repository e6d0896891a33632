package export

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/stream"
)

// Importer appends the records of a JSON export to a topic.
type Importer struct {
	client stream.Client
}

func NewImporter(client stream.Client) *Importer {
	return &Importer{client: client}
}

// ImportResult describes a finished import.
type ImportResult struct {
	Topic           string    `json:"topic"`
	RecordsImported int       `json:"records_imported"`
	First           string    `json:"first,omitempty"`
	Last            string    `json:"last,omitempty"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportJSON reads a Document from r and appends its records to topic, in
// order. Records that fail ValidateFields are skipped and reported in Errors. An
// append failure stops the import; records before it stay written.
func (im *Importer) ImportJSON(ctx context.Context, topic string, r io.Reader) (*ImportResult, error) {
	if err := stream.ValidateTopic(topic); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON")
	}

	result := &ImportResult{Topic: topic, ImportedAt: time.Now().UTC()}
	for i, rec := range doc.Records {
		if err := stream.ValidateFields(rec.Fields); err != nil {
			result.Errors = append(result.Errors, "record "+rec.ID.String()+": "+err.Error())
			continue
		}
		id, err := im.client.Append(ctx, topic, rec.ID.Millis, rec.Fields)
		if err != nil {
			return result, errors.Wrapf(err, "failed to append record %d", i)
		}
		if result.RecordsImported == 0 {
			result.First = id.String()
		}
		result.Last = id.String()
		result.RecordsImported++
	}
	return result, nil
}
