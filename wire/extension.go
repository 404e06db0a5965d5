// Extension sub-protocol (BEP-10) support: the handshake dict advertising
// negotiated sub-ids, and the ut_metadata (BEP-9) request/data/reject
// messages used by the metadata-exchange mode. These are small,
// struct-shaped bencode dicts, so — unlike metainfo's byte-exact info dict —
// they are built and parsed with github.com/jackpal/bencode-go's
// struct-tag marshaling.
package wire

import (
	"bufio"
	"bytes"
	"io"

	bencodego "github.com/jackpal/bencode-go"

	"goleech/internal/bterrors"
)

// ExtHandshakeSubID is the extended-message sub-id reserved for the
// extension handshake; other sub-ids are those the handshake negotiates.
const ExtHandshakeSubID = 0

// UtMetadataName is the extension name negotiated for metadata exchange.
const UtMetadataName = "ut_metadata"

type extHandshakePayload struct {
	M map[string]int64 `bencode:"m"`
}

// BuildExtHandshake builds the sub-id 0 handshake advertising the given
// extension-name -> local-sub-id mapping (e.g. {"ut_metadata": 1}).
func BuildExtHandshake(m map[string]int64) (*Message, error) {
	var buf bytes.Buffer
	if err := bencodego.Marshal(&buf, extHandshakePayload{M: m}); err != nil {
		return nil, err
	}
	payload := append([]byte{ExtHandshakeSubID}, buf.Bytes()...)
	return &Message{ID: MsgExtended, Payload: payload}, nil
}

// ParseExtHandshake parses an extension handshake (sub-id 0) and returns its
// negotiated name->id map; any other sub-id is ErrMalformedInput.
func ParseExtHandshake(m *Message) (map[string]int64, error) {
	subID, body, err := splitExtended(m)
	if err != nil {
		return nil, err
	}
	if subID != ExtHandshakeSubID {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "expected extension handshake sub-id 0, got %d", subID)
	}
	var payload extHandshakePayload
	if err := bencodego.Unmarshal(bytes.NewReader(body), &payload); err != nil {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "malformed extension handshake dict")
	}
	return payload.M, nil
}

func splitExtended(m *Message) (subID uint8, body []byte, err error) {
	if m.ID != MsgExtended {
		return 0, nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "expected extended, got id %d", m.ID)
	}
	if len(m.Payload) < 1 {
		return 0, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "empty extended payload")
	}
	return m.Payload[0], m.Payload[1:], nil
}

// Metadata message types, per BEP-9.
const (
	MetadataMsgRequest = 0
	MetadataMsgData    = 1
	MetadataMsgReject  = 2
)

// MetadataPieceSize is the fixed size of every ut_metadata piece except
// possibly the last.
const MetadataPieceSize = 16 * 1024

type metadataDict struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// BuildMetadataRequest builds an extended ut_metadata request for piece.
func BuildMetadataRequest(peerSubID uint8, piece int) (*Message, error) {
	return buildMetadataMessage(peerSubID, metadataDict{MsgType: MetadataMsgRequest, Piece: int64(piece)}, nil)
}

// BuildMetadataReject builds an extended ut_metadata reject for piece.
func BuildMetadataReject(peerSubID uint8, piece int) (*Message, error) {
	return buildMetadataMessage(peerSubID, metadataDict{MsgType: MetadataMsgReject, Piece: int64(piece)}, nil)
}

// BuildMetadataData builds an extended ut_metadata data message carrying
// piece's raw bytes.
func BuildMetadataData(peerSubID uint8, piece, totalSize int, data []byte) (*Message, error) {
	return buildMetadataMessage(peerSubID, metadataDict{MsgType: MetadataMsgData, Piece: int64(piece), TotalSize: int64(totalSize)}, data)
}

func buildMetadataMessage(peerSubID uint8, d metadataDict, data []byte) (*Message, error) {
	var buf bytes.Buffer
	if err := bencodego.Marshal(&buf, d); err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 1+buf.Len()+len(data))
	payload = append(payload, peerSubID)
	payload = append(payload, buf.Bytes()...)
	payload = append(payload, data...)
	return &Message{ID: MsgExtended, Payload: payload}, nil
}

// ParseMetadataMessage parses an extended ut_metadata message, returning its
// msg_type, piece index, declared total_size (0 if absent, e.g. for request/
// reject messages), and (for data messages) the trailing raw bytes.
// The body is handed to bencode-go as a *bufio.Reader, which it reads
// directly instead of wrapping in a buffer of its own, so Unmarshal stops
// exactly where the dict ends and whatever the reader has left over is the
// metadata piece's raw bytes.
func ParseMetadataMessage(m *Message) (msgType, piece, totalSize int, data []byte, err error) {
	_, body, err := splitExtended(m)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	r := bufio.NewReader(bytes.NewReader(body))
	var d metadataDict
	if uerr := bencodego.Unmarshal(r, &d); uerr != nil {
		return 0, 0, 0, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "malformed ut_metadata dict")
	}
	tail, rerr := io.ReadAll(r)
	if rerr != nil {
		return 0, 0, 0, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "could not read metadata tail")
	}
	return int(d.MsgType), int(d.Piece), int(d.TotalSize), tail, nil
}
