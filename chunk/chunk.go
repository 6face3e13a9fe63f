// Package chunk implements the optional chunking sub-protocol: splitting a
// payload too large for a single publish into a sequence of chunks carrying
// a reserved user property, and reassembling them back into one logical
// message on the receiving side. There is no precedent for this in the
// corpus this runtime's style is grounded on; it is built fresh in that
// idiom, using only the standard library for the checksum and chunk-header
// encoding since no pack library does checksummed payload splitting.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/iotrpc/runtime/errors"
	"github.com/iotrpc/runtime/internal/wallclock"
	"github.com/sosodev/duration"
)

type (
	// Header is the JSON payload carried in the reserved chunk user
	// property on every chunked publish.
	Header struct {
		MessageID   string `json:"messageId"`
		ChunkIndex  int    `json:"chunkIndex"`
		TotalChunks int    `json:"totalChunks,omitempty"`
		Checksum    string `json:"checksum,omitempty"`
		Timeout     string `json:"timeout,omitempty"`
	}

	// Chunk is one piece of a split payload, ready to publish with Header
	// marshaled into the chunk user property.
	Chunk struct {
		Header  Header
		Payload []byte
	}

	partial struct {
		total    int
		checksum string
		chunks   [][]byte
		received int
		expires  time.Time
	}

	// Reassembler tracks in-progress chunk sets and reassembles them into
	// complete payloads, discarding sets that exceed their timeout.
	Reassembler struct {
		mu   sync.Mutex
		sets map[string]*partial
	}
)

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{sets: map[string]*partial{}}
}

// Split divides payload into chunks no larger than maxChunkSize, stamping
// chunk 0 with the total chunk count and a SHA-256 checksum of the whole
// payload. messageID must be unique per logical message; timeout bounds how
// long the receiver waits for the remaining chunks.
func Split(
	messageID string,
	payload []byte,
	maxChunkSize int,
	timeout time.Duration,
) ([]Chunk, error) {
	if maxChunkSize <= 0 {
		return nil, &errors.Client{Base: errors.Base{
			Message: "chunk size must be positive",
			Kind:    errors.ConfigurationInvalid{PropertyName: "MaxChunkSize", PropertyValue: maxChunkSize},
		}}
	}

	total := (len(payload) + maxChunkSize - 1) / maxChunkSize
	if total == 0 {
		total = 1
	}

	sum := sha256.Sum256(payload)
	timeoutStr := duration.Format(timeout)

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunkSize
		end := min(start+maxChunkSize, len(payload))

		h := Header{MessageID: messageID, ChunkIndex: i}
		if i == 0 {
			h.TotalChunks = total
			h.Checksum = hex.EncodeToString(sum[:])
			h.Timeout = timeoutStr
		}

		chunks = append(chunks, Chunk{Header: h, Payload: payload[start:end]})
	}
	return chunks, nil
}

// MarshalHeader encodes h as the JSON value of the reserved chunk user
// property.
func MarshalHeader(h Header) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", &errors.Client{Base: errors.Base{
			Message:     "failed to marshal chunk header",
			Kind:        errors.InternalLogicError{PropertyName: "Header"},
			NestedError: err,
		}}
	}
	return string(b), nil
}

// UnmarshalHeader decodes the reserved chunk user property back into a
// Header.
func UnmarshalHeader(prop string) (Header, error) {
	var h Header
	if err := json.Unmarshal([]byte(prop), &h); err != nil {
		return Header{}, &errors.Client{Base: errors.Base{
			Message:     "invalid chunk header",
			Kind:        errors.PayloadInvalid{},
			NestedError: err,
		}}
	}
	return h, nil
}

// Add incorporates one chunk into its in-progress set, returning the
// reassembled payload once every chunk has arrived and its checksum
// verifies. ok is false while the set remains incomplete.
func (r *Reassembler) Add(h Header, payload []byte, now time.Time) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sets[h.MessageID]
	if !ok {
		if h.ChunkIndex != 0 {
			// The lead chunk carrying total/checksum/timeout was missed;
			// nothing can be done but wait for a retransmit under a new
			// messageID.
			return nil, false, nil
		}

		to, err := duration.Parse(h.Timeout)
		var expires time.Time
		if err == nil {
			expires = wallclock.Instance.Now().Add(to.ToTimeDuration())
		} else {
			expires = wallclock.Instance.Now().Add(time.Minute)
		}

		p = &partial{
			total:    h.TotalChunks,
			checksum: h.Checksum,
			chunks:   make([][]byte, h.TotalChunks),
			expires:  expires,
		}
		r.sets[h.MessageID] = p
	}

	if h.ChunkIndex < 0 || h.ChunkIndex >= len(p.chunks) {
		return nil, false, &errors.Client{Base: errors.Base{
			Message: "chunk index out of range",
			Kind:    errors.HeaderInvalid{HeaderName: "chunkIndex"},
		}}
	}
	if p.chunks[h.ChunkIndex] == nil {
		p.chunks[h.ChunkIndex] = payload
		p.received++
	}

	if p.received < p.total {
		return nil, false, nil
	}

	delete(r.sets, h.MessageID)

	full := make([]byte, 0, p.total*len(payload))
	for _, c := range p.chunks {
		full = append(full, c...)
	}

	sum := sha256.Sum256(full)
	if hex.EncodeToString(sum[:]) != p.checksum {
		return nil, false, &errors.Client{Base: errors.Base{
			Message: "chunk set checksum mismatch",
			Kind:    errors.PayloadInvalid{},
		}}
	}

	return full, true, nil
}

// Sweep discards any in-progress chunk set whose timeout has elapsed as of
// now.
func (r *Reassembler) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.sets {
		if now.After(p.expires) {
			delete(r.sets, id)
		}
	}
}

// Reset discards every in-progress chunk set, used when the underlying
// connection is lost since a resumed session cannot assume the broker will
// redeliver the missing chunks.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = map[string]*partial{}
}
