package reduce

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/stream"
)

// ErrNoSource is returned when an offset points past data that no longer
// exists in the source topic.
var ErrNoSource = errors.New("source topic has no record after offset")

// Worker walks one source topic for one tier, folding fixed windows into the
// tier's output topic. A Worker is not safe for concurrent use; the
// scheduler runs at most one pass per tier at a time.
type Worker struct {
	tier      Tier
	packet    Packet
	source    string
	output    string
	client    stream.Client
	offsets   Persister
	readLimit int
	log       *slog.Logger

	offset Offset
}

// NewWorker creates the worker reducing packet's source topic for tier.
// readLimit pages window reads (0 reads a window in one call).
func NewWorker(tier Tier, p Packet, client stream.Client, offsets Persister, readLimit int, log *slog.Logger) *Worker {
	source, output := SourceTopic(tier, p), OutputTopic(tier, p)
	return &Worker{
		tier:      tier,
		packet:    p,
		source:    source,
		output:    output,
		client:    client,
		offsets:   offsets,
		readLimit: readLimit,
		log:       logging.OrDefault(log).With("tier", tier.String(), "topic", source),
	}
}

func (w *Worker) Tier() Tier          { return w.tier }
func (w *Worker) Packet() Packet      { return w.packet }
func (w *Worker) SourceTopic() string { return w.source }
func (w *Worker) OutputTopic() string { return w.output }
func (w *Worker) Offset() Offset      { return w.offset }

// Advance emits every complete window between the offset and the newest
// source record and returns how many were written. The offset only moves
// past a window once its output record is stored; on error the remaining
// windows wait for the next pass.
func (w *Worker) Advance(ctx context.Context) (int, error) {
	if w.offset.Empty() {
		ok, err := w.resolve(ctx)
		if err != nil || !ok {
			return 0, err
		}
	}

	newest, ok, err := w.client.Newest(ctx, w.source)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read newest record")
	}
	if !ok {
		return 0, nil
	}

	window := w.tier.WindowMillis()
	written := 0
	for newest.ID.Millis-w.offset.Cursor.Millis >= window {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := stream.Before(w.offset.Cursor.Millis + window)
		recs, err := w.readWindow(ctx, w.offset.Start(), end)
		if err != nil {
			return written, errors.Wrapf(err, "failed to read window %s", w.offset.Start())
		}

		if len(recs) == 0 {
			// Gap in the data: jump to the next record without emitting.
			next, err := w.client.ReadRange(ctx, w.source, stream.Inclusive(end.ID), stream.Inclusive(stream.MaxID), 1)
			if err != nil {
				return written, errors.Wrap(err, "failed to skip empty window")
			}
			if len(next) == 0 {
				return written, errors.Wrapf(ErrNoSource, "%s", end)
			}
			w.log.Debug("empty window skipped", "from", w.offset.Start().String(), "to", next[0].ID.String())
			w.offset = startingAt(next[0].ID)
			continue
		}

		reduced, _ := Fold(w.tier, recs)
		if reduced.Target == "" {
			reduced.Target = w.packet.Target
		}
		if reduced.Packet == "" {
			reduced.Packet = w.packet.Name
		}
		if _, err := w.client.Append(ctx, w.output, reduced.EndID.Millis, reduced.ToFields()); err != nil {
			return written, errors.Wrapf(err, "failed to write window %s", w.offset.Start())
		}

		w.offset = consumedThrough(reduced.EndID)
		written++
		w.log.Debug("window reduced",
			"start", reduced.StartID.String(),
			"end", reduced.EndID.String(),
			"num_samples", reduced.NumSamples)

		// A lost offset is re-derived from the output topic, so a failed
		// save is not a reason to stop.
		if err := w.offsets.SaveOffset(ctx, w.source, w.offset); err != nil {
			w.log.Warn("failed to persist offset", "err", err)
		}
	}
	return written, nil
}

func (w *Worker) readWindow(ctx context.Context, start, end stream.Bound) ([]stream.Record, error) {
	if w.readLimit <= 0 {
		return w.client.ReadRange(ctx, w.source, start, end, 0)
	}
	var out []stream.Record
	for {
		page, err := w.client.ReadRange(ctx, w.source, start, end, w.readLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < w.readLimit {
			return out, nil
		}
		start = stream.Exclusive(page[len(page)-1].ID)
	}
}

// resolve fills an empty offset from, in order of preference, the later of
// the persisted offset and the last window recorded in the output topic,
// then the oldest source record. ok is false when there is no data yet.
func (w *Worker) resolve(ctx context.Context) (bool, error) {
	var best Offset

	saved, found, err := w.offsets.LoadOffset(ctx, w.source)
	if err != nil {
		w.log.Warn("failed to load offset, deriving from topics", "err", err)
	} else if found {
		best = saved
	}

	last, ok, err := w.client.Newest(ctx, w.output)
	if err != nil {
		return false, errors.Wrap(err, "failed to read output topic")
	}
	if ok {
		end, err := EndIDOf(last)
		if err != nil {
			w.log.Warn("output record without end id", "record", last.ID.String(), "err", err)
		} else if derived := consumedThrough(end); derived.After(best) {
			best = derived
		}
	}

	if best.Empty() {
		oldest, ok, err := w.client.Oldest(ctx, w.source)
		if err != nil {
			return false, errors.Wrap(err, "failed to read oldest record")
		}
		if !ok {
			return false, nil
		}
		best = startingAt(oldest.ID)
	}

	w.offset = best
	w.log.Info("offset resolved", "cursor", best.Start().String())
	return true, nil
}
