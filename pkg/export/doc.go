// Package export backs up and restores stream topics.
//
// # Formats
//
// JSON keeps every field and the record IDs, and can be imported again:
//
//	{
//	  "metadata": {"topic": "...", "start": "-", "end": "+", "record_count": 2, "version": "1.0"},
//	  "records": [{"id": "1700000000000-0", "fields": {"TEMP__AVG": 10.5, ...}}]
//	}
//
// CSV is for spreadsheets and is export-only. The first column is the
// record ID; the rest are the union of field names across the exported
// records, sorted.
//
// Values JSON cannot carry (NaN and the infinities) are written as null.
//
// # HTTP API
//
//	GET  /v1/topics/{topic}/export?format=json|csv&start=&end=
//	POST /v1/topics/{topic}/import
//
// start and end use the stream bound syntax ("-", "+", "<millis>-<seq>",
// "(<id>" for exclusive). An import appends each record at its original
// millisecond timestamp; the topic assigns sequence numbers.
package export
