package signers

import (
	"bytes"
	"crypto"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
)

// DefaultPlaceholderSize is the CMS capacity reserved in /Contents, in bytes.
const DefaultPlaceholderSize = 16384

// State is the lifecycle position of a signature.
type State int

const (
	Unsigned State = iota
	PlaceholderWritten
	DigestComputed
	Signed
	LtvEmbedded
)

var stateNames = [...]string{"unsigned", "placeholder-written", "digest-computed", "signed", "ltv-embedded"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Request describes one signature to prepare.
type Request struct {
	Field fields.SignatureField
	// Hash is the byte-range digest algorithm; zero means SHA-256.
	Hash crypto.Hash
	// SigningTime is written to /M; zero means Clock.Now().
	SigningTime time.Time
	Clock       clockwork.Clock
	// PlaceholderSize is the reserved CMS capacity in bytes; zero means
	// DefaultPlaceholderSize.
	PlaceholderSize int
	// KnownSignatureSize is the size of a CMS from an earlier attempt.
	KnownSignatureSize int
}

func (r Request) withDefaults() Request {
	if r.Hash == 0 {
		r.Hash = crypto.SHA256
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
	if r.SigningTime.IsZero() {
		r.SigningTime = r.Clock.Now()
	}
	r.SigningTime = r.SigningTime.UTC().Truncate(time.Second)
	if r.PlaceholderSize <= 0 {
		r.PlaceholderSize = DefaultPlaceholderSize
	}
	r.Field = r.Field.WithDefaults()
	return r
}

// PreSigned is a prepared document waiting for its CMS. It is a value:
// embedding never mutates it.
type PreSigned struct {
	// Document is the full prepared file with a zero-filled placeholder.
	Document  []byte
	ByteRange [4]int64
	Digest    []byte
	Hash      crypto.Hash
	FieldID   string
	Level     fields.Level
	// SignatureObject is the object number of the signature dictionary.
	SignatureObject int
	SigningTime     time.Time
	State           State
}

// ContentsCapacity is the number of CMS bytes the placeholder holds.
func (p *PreSigned) ContentsCapacity() int {
	return int(p.ByteRange[2]-p.ByteRange[1]-2) / 2
}

const preSignedMagic = "SPKPRE\x01"

var errBadPreSigned = errors.New("signers: not a pre-signed document")

type preSignedWire struct {
	Document        []byte
	ByteRange       [4]int64
	Digest          []byte
	Hash            uint
	FieldID         string
	Level           int
	SignatureObject int
	SigningTime     time.Time
	State           int
}

// MarshalBinary encodes p so it can cross a process boundary.
func (p *PreSigned) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(preSignedMagic)
	err := gob.NewEncoder(&buf).Encode(preSignedWire{
		Document:        p.Document,
		ByteRange:       p.ByteRange,
		Digest:          p.Digest,
		Hash:            uint(p.Hash),
		FieldID:         p.FieldID,
		Level:           int(p.Level),
		SignatureObject: p.SignatureObject,
		SigningTime:     p.SigningTime,
		State:           int(p.State),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (p *PreSigned) UnmarshalBinary(data []byte) error {
	if !bytes.HasPrefix(data, []byte(preSignedMagic)) {
		return errBadPreSigned
	}
	var w preSignedWire
	if err := gob.NewDecoder(bytes.NewReader(data[len(preSignedMagic):])).Decode(&w); err != nil {
		return fmt.Errorf("%w: %v", errBadPreSigned, err)
	}
	*p = PreSigned{
		Document:        w.Document,
		ByteRange:       w.ByteRange,
		Digest:          w.Digest,
		Hash:            crypto.Hash(w.Hash),
		FieldID:         w.FieldID,
		Level:           fields.Level(w.Level),
		SignatureObject: w.SignatureObject,
		SigningTime:     w.SigningTime,
		State:           State(w.State),
	}
	return nil
}
