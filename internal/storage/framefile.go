package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
	"github.com/parkerjbeard/chronicle/internal/integrity"
)

// FrameRecord is one screen-frame event, already bypassing columnar
// batching per §4.3 step 3.
type FrameRecord struct {
	TimestampNS int64
	ProducerID  uuid.UUID
	ImageBytes  []byte // already compressed by the producer (e.g. PNG/WebP)
}

// FrameFileWriter commits one image per screen-frame record.
type FrameFileWriter struct {
	KeyRing   *cryptoenv.KeyRing
	Algorithm cryptoenv.Algorithm
}

// FrameFileResult mirrors EventFileResult for a single-record artifact.
type FrameFileResult struct {
	Path        string
	Size        int64
	ContentHash uint64
	KeyEpoch    uint32
}

// Write seals rec's prefix metadata plus image bytes and commits the
// result to dir/frame_<HHMMSS>_<seq>.frm.
func (w *FrameFileWriter) Write(dir, day, hhmmss string, sequence uint32, rec FrameRecord) (FrameFileResult, error) {
	var body []byte
	body = appendI64(body, rec.TimestampNS)
	body = append(body, rec.ProducerID[:]...)
	body = appendU32(body, uint32(len(rec.ImageBytes)))
	body = append(body, rec.ImageBytes...)

	contentHash := integrity.FileContentHash(body)

	ad := cryptoenv.AssociatedData("frame", 1, day, sequence)
	sealed, epoch, err := sealPlaintext(w.KeyRing, w.Algorithm, ad, body)
	if err != nil {
		return FrameFileResult{}, fmt.Errorf("storage: seal frame file: %w", err)
	}

	filename := fmt.Sprintf("frame_%s_%d.frm", hhmmss, sequence)
	finalPath := dir + "/" + filename
	if err := WriteFileAtomic(finalPath, sealed, 0o600); err != nil {
		return FrameFileResult{}, err
	}

	return FrameFileResult{
		Path:        finalPath,
		Size:        int64(len(sealed)),
		ContentHash: contentHash,
		KeyEpoch:    epoch,
	}, nil
}

// ReadFrameFile is the symmetric reader; only tests call it.
func ReadFrameFile(data []byte, kr *cryptoenv.KeyRing, wantContentHash uint64) (FrameRecord, error) {
	body, err := openSealed(kr, data)
	if err != nil {
		return FrameRecord{}, fmt.Errorf("storage: decrypt frame file: %w", err)
	}
	if got := integrity.FileContentHash(body); got != wantContentHash {
		return FrameRecord{}, fmt.Errorf("storage: content hash mismatch: file has %x, manifest expects %x", got, wantContentHash)
	}
	if len(body) < 8+16+4 {
		return FrameRecord{}, fmt.Errorf("storage: frame file truncated")
	}
	var rec FrameRecord
	off := 0
	rec.TimestampNS = int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	copy(rec.ProducerID[:], body[off:off+16])
	off += 16
	n := binary.LittleEndian.Uint32(body[off:])
	off += 4
	rec.ImageBytes = append([]byte(nil), body[off:off+int(n)]...)
	return rec, nil
}
