package wire

import (
	"encoding/binary"
	"fmt"
)

// MutateKind tags which request a MutateRequest envelope carries.
type MutateKind uint8

const (
	MutateWrite    MutateKind = 0
	MutateSeal     MutateKind = 1
	MutateTruncate MutateKind = 2
)

// WriteRequest is the payload of a Write mutation.
type WriteRequest struct {
	SegmentEpoch uint32
	AckedSeq     Sequence
	FirstIndex   uint32
	Entries      []Entry
}

// SealRequest is the payload of a Seal mutation.
type SealRequest struct {
	SegmentEpoch uint32
}

// TruncateRequest is the payload of a Truncate mutation.
type TruncateRequest struct {
	KeepSeq Sequence
}

// MutateRequest is the envelope carried by Store.Mutate: a stream, the
// writer epoch the caller believes is current, and exactly one of
// Write/Seal/Truncate.
type MutateRequest struct {
	StreamID    uint64
	WriterEpoch uint32
	Kind        MutateKind
	Write       *WriteRequest
	Seal        *SealRequest
	Truncate    *TruncateRequest
}

// WriteResponse echoes the densest contiguous prefix index and the
// segment's folded acked index after a Write.
type WriteResponse struct {
	MatchedIndex uint32
	AckedIndex   uint32
}

// SealResponse carries the acked index observed at seal time.
type SealResponse struct {
	AckedIndex uint32
}

// TruncateResponse is empty; Truncate either succeeds or returns an error.
type TruncateResponse struct{}

// MutateResponse is the envelope returned by Store.Mutate, echoing the kind
// of the request it answers.
type MutateResponse struct {
	Kind     MutateKind
	Write    *WriteResponse
	Seal     *SealResponse
	Truncate *TruncateResponse
}

// EncodeWriteRequest serializes a WriteRequest.
func EncodeWriteRequest(r *WriteRequest) []byte {
	entries := EncodeEntries(r.Entries)
	buf := make([]byte, 0, 4+8+4+len(entries))
	buf = binary.LittleEndian.AppendUint32(buf, r.SegmentEpoch)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.AckedSeq))
	buf = binary.LittleEndian.AppendUint32(buf, r.FirstIndex)
	buf = append(buf, entries...)
	return buf
}

// DecodeWriteRequest deserializes a WriteRequest produced by EncodeWriteRequest.
func DecodeWriteRequest(buf []byte) (*WriteRequest, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("wire: short buffer for write request header")
	}
	r := &WriteRequest{
		SegmentEpoch: binary.LittleEndian.Uint32(buf[0:4]),
		AckedSeq:     Sequence(binary.LittleEndian.Uint64(buf[4:12])),
		FirstIndex:   binary.LittleEndian.Uint32(buf[12:16]),
	}
	entries, _, err := DecodeEntries(buf[16:])
	if err != nil {
		return nil, err
	}
	r.Entries = entries
	return r, nil
}

// EncodeSealRequest serializes a SealRequest.
func EncodeSealRequest(r *SealRequest) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, r.SegmentEpoch)
	return buf
}

// DecodeSealRequest deserializes a SealRequest.
func DecodeSealRequest(buf []byte) (*SealRequest, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wire: short buffer for seal request")
	}
	return &SealRequest{SegmentEpoch: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// EncodeTruncateRequest serializes a TruncateRequest.
func EncodeTruncateRequest(r *TruncateRequest) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(r.KeepSeq))
	return buf
}

// DecodeTruncateRequest deserializes a TruncateRequest.
func DecodeTruncateRequest(buf []byte) (*TruncateRequest, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("wire: short buffer for truncate request")
	}
	return &TruncateRequest{KeepSeq: Sequence(binary.LittleEndian.Uint64(buf[0:8]))}, nil
}

// EncodeMutateRequest serializes the MutateRequest envelope.
func EncodeMutateRequest(r *MutateRequest) ([]byte, error) {
	var body []byte
	switch r.Kind {
	case MutateWrite:
		if r.Write == nil {
			return nil, fmt.Errorf("wire: MutateWrite envelope missing Write body")
		}
		body = EncodeWriteRequest(r.Write)
	case MutateSeal:
		if r.Seal == nil {
			return nil, fmt.Errorf("wire: MutateSeal envelope missing Seal body")
		}
		body = EncodeSealRequest(r.Seal)
	case MutateTruncate:
		if r.Truncate == nil {
			return nil, fmt.Errorf("wire: MutateTruncate envelope missing Truncate body")
		}
		body = EncodeTruncateRequest(r.Truncate)
	default:
		return nil, fmt.Errorf("wire: invalid mutate kind %d", r.Kind)
	}
	buf := make([]byte, 0, 8+4+1+len(body))
	buf = binary.LittleEndian.AppendUint64(buf, r.StreamID)
	buf = binary.LittleEndian.AppendUint32(buf, r.WriterEpoch)
	buf = append(buf, byte(r.Kind))
	buf = append(buf, body...)
	return buf, nil
}

// DecodeMutateRequest deserializes the MutateRequest envelope.
func DecodeMutateRequest(buf []byte) (*MutateRequest, error) {
	if len(buf) < 13 {
		return nil, fmt.Errorf("wire: short buffer for mutate request envelope")
	}
	r := &MutateRequest{
		StreamID:    binary.LittleEndian.Uint64(buf[0:8]),
		WriterEpoch: binary.LittleEndian.Uint32(buf[8:12]),
		Kind:        MutateKind(buf[12]),
	}
	body := buf[13:]
	switch r.Kind {
	case MutateWrite:
		w, err := DecodeWriteRequest(body)
		if err != nil {
			return nil, err
		}
		r.Write = w
	case MutateSeal:
		s, err := DecodeSealRequest(body)
		if err != nil {
			return nil, err
		}
		r.Seal = s
	case MutateTruncate:
		t, err := DecodeTruncateRequest(body)
		if err != nil {
			return nil, err
		}
		r.Truncate = t
	default:
		return nil, fmt.Errorf("wire: invalid mutate kind %d", r.Kind)
	}
	return r, nil
}
