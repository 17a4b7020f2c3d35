package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/logger"
	"github.com/square-key-labs/strawgo-call/src/metrics"
	"github.com/square-key-labs/strawgo-call/src/storage"
)

const (
	DefaultBucket = "audio"

	segmentContentType = "audio/wav"
)

// ErrSegmentOpen is returned by Begin while a segment is still open.
var ErrSegmentOpen = errors.New("speech segment already open")

// Segment is one sealed utterance. It is immutable once returned by Seal.
type Segment struct {
	ID         string
	CallID     string
	Start      time.Time
	End        time.Time
	SampleRate int
	Audio      []byte
}

// Path is the object path of the segment inside the bucket.
func (s Segment) Path() string {
	return fmt.Sprintf("%s/%d-%s.wav", s.CallID, s.Start.UnixMilli(), s.ID)
}

func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// UploadResult is the outcome of one upload. Path is set on success.
type UploadResult struct {
	Path    string
	Skipped bool
	Err     error
}

// Archived reports whether the upload succeeded or was deliberately skipped.
func (r UploadResult) Archived() bool {
	return r.Err == nil
}

// Recorder accumulates caller audio into segments and archives them.
type Recorder struct {
	callID     string
	bucket     string
	sampleRate int
	blobs      storage.BlobStore
	metrics    *metrics.Metrics
	log        *logger.Logger

	mu   sync.Mutex
	open *Segment

	disabled atomic.Bool
}

func NewRecorder(callID string, sampleRate int, blobs storage.BlobStore, bucket string, m *metrics.Metrics) *Recorder {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if blobs == nil {
		blobs = storage.Disabled{}
	}
	return &Recorder{
		callID:     callID,
		bucket:     bucket,
		sampleRate: sampleRate,
		blobs:      blobs,
		metrics:    m,
		log:        logger.WithPrefix("Recorder"),
	}
}

// Begin opens a segment seeded with preRoll audio.
func (r *Recorder) Begin(at time.Time, preRoll []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open != nil {
		return "", ErrSegmentOpen
	}
	r.open = &Segment{
		ID:         uuid.NewString(),
		CallID:     r.callID,
		Start:      at,
		SampleRate: r.sampleRate,
		Audio:      append([]byte(nil), preRoll...),
	}
	return r.open.ID, nil
}

// Append adds audio to the open segment. It reports whether one is open.
func (r *Recorder) Append(pcm []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return false
	}
	r.open.Audio = append(r.open.Audio, pcm...)
	return true
}

// Seal closes the open segment.
func (r *Recorder) Seal(at time.Time) (Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return Segment{}, false
	}
	seg := *r.open
	seg.End = at
	r.open = nil
	return seg, true
}

// Discard drops the open segment without archiving it.
func (r *Recorder) Discard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := r.open != nil
	r.open = nil
	return dropped
}

// OpenID returns the id of the open segment, or "".
func (r *Recorder) OpenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return ""
	}
	return r.open.ID
}

// UploadsDisabled reports whether the bucket was found missing.
func (r *Recorder) UploadsDisabled() bool {
	return r.disabled.Load()
}

// Upload archives seg as WAV. Failures are logged and returned, never
// raised: a missing bucket disables every later upload of this call.
func (r *Recorder) Upload(ctx context.Context, seg Segment) UploadResult {
	if r.disabled.Load() {
		r.metrics.RecordUpload(metrics.ResultDisabled)
		return UploadResult{Skipped: true}
	}
	if len(seg.Audio) == 0 {
		r.metrics.RecordUpload(metrics.ResultSkipped)
		return UploadResult{Skipped: true}
	}

	wav := audio.EncodeWAV(seg.Audio, seg.SampleRate)
	path, err := r.blobs.Upload(ctx, r.bucket, seg.Path(), wav, segmentContentType)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			if !r.disabled.Swap(true) {
				r.log.Warn("Storage bucket %q not found, skipping future uploads", r.bucket)
			}
			r.metrics.RecordUpload(metrics.ResultDisabled)
			return UploadResult{Skipped: true}
		}
		r.log.Warn("Upload of %s failed: %v", seg.Path(), err)
		r.metrics.RecordUpload(metrics.ResultError)
		return UploadResult{Err: err}
	}

	r.metrics.RecordUpload(metrics.ResultOK)
	r.log.Debug("Uploaded %s (%d bytes, %s)", path, len(wav), seg.Duration())
	return UploadResult{Path: path}
}
