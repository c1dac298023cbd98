package transport

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/request"
)

// EncodeRequestPayload renders a view window as the UTF-8 query string the
// request frame carries.
func EncodeRequestPayload(w *request.ViewWindow) []byte {
	return []byte(request.EncodeQuery(w))
}

// DecodeRequestPayload parses a request frame payload.
func DecodeRequestPayload(payload []byte) (*request.ViewWindow, error) {
	return request.DecodeQuery(string(payload))
}

// Response is a decoded response payload.
type Response struct {
	Status  uint16
	Headers map[string]string
	Body    []byte
}

// EncodeResponsePayload renders: u16 status, u16 header length, the
// "key:value\n" header block, then the body. Headers are emitted sorted so
// encodings are reproducible.
func EncodeResponsePayload(r *Response) []byte {
	var header strings.Builder
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header.WriteString(k)
		header.WriteByte(':')
		header.WriteString(r.Headers[k])
		header.WriteByte('\n')
	}

	hdr := header.String()
	buf := make([]byte, 4+len(hdr)+len(r.Body))
	binary.BigEndian.PutUint16(buf[0:2], r.Status)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(hdr)))
	copy(buf[4:], hdr)
	copy(buf[4+len(hdr):], r.Body)
	return buf
}

// DecodeResponsePayload parses a response frame payload.
func DecodeResponsePayload(payload []byte) (*Response, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: short response payload", ErrInvalidFrame)
	}
	status := binary.BigEndian.Uint16(payload[0:2])
	headerLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if len(payload) < 4+headerLen {
		return nil, fmt.Errorf("%w: declared %d header bytes, have %d",
			ErrInvalidFrame, headerLen, len(payload)-4)
	}

	headers := map[string]string{}
	for _, line := range strings.Split(string(payload[4:4+headerLen]), "\n") {
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: malformed header %q", ErrInvalidFrame, line)
		}
		headers[k] = v
	}

	body := make([]byte, len(payload)-4-headerLen)
	copy(body, payload[4+headerLen:])
	return &Response{Status: status, Headers: headers, Body: body}, nil
}

// EncodeDataBinPayload renders: u8 class, u32 big-endian id, u8 complete,
// then the bin bytes.
func EncodeDataBinPayload(bin *jpeg2000.DataBin) []byte {
	buf := make([]byte, 6+len(bin.Data))
	buf[0] = byte(bin.Class)
	binary.BigEndian.PutUint32(buf[1:5], bin.ID)
	if bin.Complete {
		buf[5] = 1
	}
	copy(buf[6:], bin.Data)
	return buf
}

// DecodeDataBinPayload parses a data-bin (or push) frame payload.
func DecodeDataBinPayload(payload []byte) (*jpeg2000.DataBin, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: short data-bin payload", ErrInvalidFrame)
	}
	data := make([]byte, len(payload)-6)
	copy(data, payload[6:])
	return &jpeg2000.DataBin{
		Class:        jpeg2000.BinClass(payload[0]),
		ID:           binary.BigEndian.Uint32(payload[1:5]),
		Complete:     payload[5] == 1,
		Data:         data,
		QualityLayer: -1,
		TileIndex:    -1,
	}, nil
}
