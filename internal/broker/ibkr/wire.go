package ibkr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Incoming message IDs.
const (
	inTickPrice         = 1
	inOrderStatus       = 3
	inErrMsg            = 4
	inNextValidID       = 9
	inContractData      = 10
	inExecutionData     = 11
	inHistoricalData    = 17
	inContractDataEnd   = 52
	inTickSnapshotEnd   = 57
	inPositionData      = 61
	inPositionEnd       = 62
	inAccountSummary    = 63
	inAccountSummaryEnd = 64
)

// Outgoing message IDs.
const (
	outReqMktData           = 1
	outPlaceOrder           = 3
	outCancelOrder          = 4
	outReqContractData      = 9
	outReqHistoricalData    = 20
	outReqPositions         = 61
	outReqAccountSummary    = 62
	outCancelAccountSummary = 63
	outCancelPositions      = 64
	outStartAPI             = 71
)

// maxFrameSize guards against a corrupt length prefix.
const maxFrameSize = 1 << 24

// encodeFrame builds a size-prefixed frame of null-terminated fields.
func encodeFrame(fields ...any) []byte {
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteString(fmt.Sprint(f))
		sb.WriteByte(0)
	}
	return prefixSize([]byte(sb.String()))
}

func prefixSize(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// readFrame reads one size-prefixed frame and splits it into fields.
func readFrame(r *bufio.Reader) ([]string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return splitFields(body), nil
}

func splitFields(body []byte) []string {
	s := strings.TrimSuffix(string(body), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// fieldReader walks a decoded message.
type fieldReader struct {
	fields []string
	pos    int
	err    error
}

func newFieldReader(fields []string) *fieldReader {
	return &fieldReader{fields: fields}
}

func (r *fieldReader) str() string {
	if r.pos >= len(r.fields) {
		if r.err == nil {
			r.err = fmt.Errorf("message truncated at field %d", r.pos)
		}
		return ""
	}
	v := r.fields[r.pos]
	r.pos++
	return v
}

func (r *fieldReader) skip(n int) {
	for i := 0; i < n; i++ {
		r.str()
	}
}

func (r *fieldReader) int() int64 {
	s := r.str()
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
	}
	return v
}

func (r *fieldReader) decimal() decimal.Decimal {
	s := r.str()
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
	}
	return v
}

// rest returns the unread fields.
func (r *fieldReader) rest() []string {
	if r.pos >= len(r.fields) {
		return []string{}
	}
	out := r.fields[r.pos:]
	r.pos = len(r.fields)
	return out
}
