package agora

import (
	"context"
	"fmt"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// SnapshotCodec turns history snapshots into storage blobs and back.
// Snapshots compress extremely well (they're mostly repeated addresses and
// timestamps), so blobs are zstd-compressed; the 2 MiB trim budget applies
// to the uncompressed JSON, the network only ever sees the compressed form.
type SnapshotCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSnapshotCodec creates a codec with shared zstd state. One codec is
// safe for concurrent use; EncodeAll/DecodeAll are stateless per call.
func NewSnapshotCodec() (*SnapshotCodec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &SnapshotCodec{encoder: encoder, decoder: decoder}, nil
}

// Encode serializes and compresses a snapshot for upload.
func (c *SnapshotCodec) Encode(snapshot *HistorySnapshot) ([]byte, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode decompresses and parses a snapshot blob. The blob is untrusted:
// both steps can fail on garbage, and the caller routes that to the
// validation budget rather than the transient one.
func (c *SnapshotCodec) Decode(data []byte) (*HistorySnapshot, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var snapshot HistorySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SnapshotResolver fetches history snapshots by reference, tracking every
// ref's fate in the ledger: transient download failures are retried and
// eventually ban the ref, garbage payloads ban it on their own budget, and
// refs that resolved once are never fetched again.
type SnapshotResolver struct {
	storage StorageClient
	codec   *SnapshotCodec
	ledger  *RefLedger

	retryAttempts int
	retryDelay    time.Duration
}

// NewSnapshotResolver wires a resolver to its storage client and ledger.
func NewSnapshotResolver(storage StorageClient, codec *SnapshotCodec, ledger *RefLedger) *SnapshotResolver {
	return &SnapshotResolver{
		storage:       storage,
		codec:         codec,
		ledger:        ledger,
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
	}
}

// Resolve downloads, decodes and validates the snapshot behind ref.
//
// An empty ref resolves to an empty snapshot (the seed entry of a fresh
// chat points nowhere). A skipped ref (already processed or banned) returns
// nil with no error; callers treat that as "nothing new".
func (r *SnapshotResolver) Resolve(ctx context.Context, ref types.Reference) (*HistorySnapshot, error) {
	if ref.IsZero() {
		return NewHistorySnapshot(), nil
	}
	if !r.ledger.ShouldProcess(ref) {
		logrus.Debugf("📦 skipping ref %s (processed or banned)", ref)
		return nil, nil
	}

	data, err := RetryValue(ctx, "snapshot download", r.retryAttempts, r.retryDelay, func() ([]byte, error) {
		return r.storage.DownloadObject(ctx, ref)
	})
	if err != nil {
		if banned := r.ledger.MarkFailure(ref); banned {
			snapshotBansTotal.Inc()
		}
		return nil, fmt.Errorf("resolve snapshot %s: %w", ref, err)
	}

	snapshot, err := r.codec.Decode(data)
	if err != nil {
		if banned := r.ledger.MarkInvalid(ref); banned {
			snapshotBansTotal.Inc()
		}
		return nil, fmt.Errorf("resolve snapshot %s: %w", ref, err)
	}

	r.ledger.MarkSuccess(ref)
	return snapshot, nil
}

// Publish encodes and uploads a snapshot, returning its new reference.
func (r *SnapshotResolver) Publish(ctx context.Context, snapshot *HistorySnapshot) (types.Reference, error) {
	data, err := r.codec.Encode(snapshot)
	if err != nil {
		return "", err
	}
	return RetryValue(ctx, "snapshot upload", r.retryAttempts, r.retryDelay, func() (types.Reference, error) {
		return r.storage.UploadObject(ctx, data)
	})
}
