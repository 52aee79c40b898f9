package base

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ValentinKolb/rocket/rpc/common"
)

// HeaderLength is the fixed size of a frame header
const HeaderLength = 16

// magic bytes at the positions 0, 1, 14 and 15 of every header
const (
	head0  byte = 0xFF
	head1  byte = 0x7F
	head14 byte = 0x3F
	head15 byte = 0x1F
)

// body tags of the documents exchanged by the engine, all other bodies are raw data
var (
	requestTag  = []byte("request:")
	responseTag = []byte("response:")
)

// Checksum computes the CRC-32 (IEEE polynomial, as used by ISO-HDLC) of a body
func Checksum(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

// EncodeFrame returns header and body as one contiguous buffer.
//
// Header layout:
//   - 2 bytes: magic 0xFF 0x7F
//   - 8 bytes: body length (int64, little endian)
//   - 4 bytes: checksum of the body (uint32, big endian)
//   - 2 bytes: magic 0x3F 0x1F
func EncodeFrame(body []byte) []byte {
	buf := make([]byte, HeaderLength+len(body))
	putHeader(buf[:HeaderLength], int64(len(body)), Checksum(body))
	copy(buf[HeaderLength:], body)
	return buf
}

// putHeader writes a header into h, which must be HeaderLength bytes long
func putHeader(h []byte, length int64, checksum uint32) {
	h[0] = head0
	h[1] = head1
	binary.LittleEndian.PutUint64(h[2:10], uint64(length))
	binary.BigEndian.PutUint32(h[10:14], checksum)
	h[14] = head14
	h[15] = head15
}

// DecodeHeader validates a header and returns the body length and checksum.
// The length is not range checked.
func DecodeHeader(h []byte) (length int64, checksum uint32, err error) {
	if len(h) != HeaderLength || h[0] != head0 || h[1] != head1 || h[14] != head14 || h[15] != head15 {
		return 0, 0, common.ErrInvalidHeader
	}
	length = int64(binary.LittleEndian.Uint64(h[2:10]))
	checksum = binary.BigEndian.Uint32(h[10:14])
	return length, checksum, nil
}

// tagged prepends a body tag to an encoded document
func tagged(tag []byte, doc []byte) []byte {
	body := make([]byte, 0, len(tag)+len(doc))
	body = append(body, tag...)
	return append(body, doc...)
}
