package sink

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

// frame format: [8 bytes seq][4 bytes len][4 bytes crc32c][len bytes cbor]
// seq 0 marks a header frame; every run appends one before its records.
const (
	frameHeaderLen = 16
	logFormat      = "pvflow-record-log"
	logVersion     = 1
)

var (
	ErrChecksum  = errors.New("record log: checksum mismatch")
	ErrBadHeader = errors.New("record log: not a record log")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// LogHeader opens each run inside a record log.
type LogHeader struct {
	Format  string   `cbor:"format"`
	Version int      `cbor:"version"`
	Schema  []string `cbor:"schema"`
	Created string   `cbor:"created"`
}

type logRecord struct {
	Seq              uint64        `cbor:"sequence_number"`
	Channel          string        `cbor:"pv_name"`
	Value            domain.Value  `cbor:"pv_value"`
	ValueType        string        `cbor:"pv_type"`
	SourceTimestamp  float64       `cbor:"epics_timestamp"`
	SourceDatetime   string        `cbor:"epics_datetime"`
	LocalDatetime    string        `cbor:"local_datetime"`
	ClockSkewSeconds float64       `cbor:"clock_skew_seconds"`
	ClockOffset      float64       `cbor:"clock_offset_applied"`
	PreviousValue    *domain.Value `cbor:"previous_value,omitempty"`
	ValueChanged     bool          `cbor:"value_changed"`
	Connected        bool          `cbor:"connection_status"`
	Severity         uint8         `cbor:"severity"`
	AlarmStatus      int           `cbor:"alarm_status"`
}

func toLogRecord(r *domain.Record) logRecord {
	return logRecord{
		Seq:              r.Seq,
		Channel:          r.Channel,
		Value:            r.Value,
		ValueType:        r.ValueType,
		SourceTimestamp:  r.SourceTimestamp,
		SourceDatetime:   r.SourceDatetime(),
		LocalDatetime:    r.LocalDatetime(),
		ClockSkewSeconds: r.ClockSkewSeconds,
		ClockOffset:      r.ClockOffset,
		PreviousValue:    r.PreviousValue,
		ValueChanged:     r.ValueChanged,
		Connected:        r.Connected,
		Severity:         uint8(r.Severity),
		AlarmStatus:      r.AlarmStatus,
	}
}

func (l *logRecord) toRecord() (*domain.Record, error) {
	src, err := time.Parse(domain.DatetimeLayout, l.SourceDatetime)
	if err != nil {
		return nil, fmt.Errorf("epics_datetime: %w", err)
	}
	local, err := time.Parse(domain.DatetimeLayout, l.LocalDatetime)
	if err != nil {
		return nil, fmt.Errorf("local_datetime: %w", err)
	}
	return &domain.Record{
		Seq:              l.Seq,
		Channel:          l.Channel,
		Value:            l.Value,
		ValueType:        l.ValueType,
		SourceTimestamp:  l.SourceTimestamp,
		SourceTime:       src.UTC(),
		LocalTime:        local.UTC(),
		ClockSkewSeconds: l.ClockSkewSeconds,
		ClockOffset:      l.ClockOffset,
		PreviousValue:    l.PreviousValue,
		ValueChanged:     l.ValueChanged,
		Connected:        l.Connected,
		Severity:         domain.Severity(l.Severity),
		AlarmStatus:      l.AlarmStatus,
	}, nil
}

// LogSink is a framed, checksummed binary record log. A torn frame left by a
// crash is cut off when the log is reopened.
type LogSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64
	closed bool
	now    func() time.Time
}

func NewLogSink(path string) *LogSink {
	return &LogSink{path: path, now: time.Now}
}

func (s *LogSink) Name() string { return "log:" + s.path }

// Size is the number of valid bytes in the log.
func (s *LogSink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *LogSink) Initialize(schema []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.file != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open record log: %w", err)
	}
	valid, err := scanValidLength(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Truncate(valid); err != nil {
		f.Close()
		return fmt.Errorf("truncate torn tail: %w", err)
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 64<<10)
	s.size = valid

	hdr := LogHeader{
		Format:  logFormat,
		Version: logVersion,
		Schema:  append([]string(nil), schema...),
		Created: s.now().UTC().Format(domain.DatetimeLayout),
	}
	if err := s.writeFrameLocked(0, hdr); err != nil {
		s.file, s.writer = nil, nil
		f.Close()
		return fmt.Errorf("write log header: %w", err)
	}
	return nil
}

func (s *LogSink) Append(r *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.file == nil {
		return ErrNotInitialized
	}
	return s.writeFrameLocked(r.Seq, toLogRecord(r))
}

func (s *LogSink) writeFrameLocked(seq uint64, v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.Checksum(body, castagnoli))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(body); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.size += int64(frameHeaderLen + len(body))
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.writer.Flush()
	return errors.Join(err, s.file.Close())
}

// ScanResult summarizes one pass over a record log.
type ScanResult struct {
	Headers []LogHeader
	Records int
	// ValidBytes is the length of the log up to the last complete frame.
	ValidBytes int64
	// Torn is set when the log ends in an incomplete frame.
	Torn bool
}

// ScanLog decodes every frame in r and calls fn for each record. It stops
// without error at a torn tail and fails on a checksum mismatch, a frame that
// does not decode, or an error returned by fn.
func ScanLog(r io.Reader, fn func(*domain.Record) error) (ScanResult, error) {
	var res ScanResult
	br := bufio.NewReader(r)
	for {
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				res.Torn = true
				return res, nil
			}
			return res, fmt.Errorf("record log header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])
		sum := binary.BigEndian.Uint32(hdr[12:16])

		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				res.Torn = true
				return res, nil
			}
			return res, fmt.Errorf("record log body: %w", err)
		}
		if crc32.Checksum(body, castagnoli) != sum {
			return res, fmt.Errorf("%w at offset %d", ErrChecksum, res.ValidBytes)
		}

		if seq == 0 {
			var h LogHeader
			if err := decMode.Unmarshal(body, &h); err != nil || h.Format != logFormat {
				return res, fmt.Errorf("%w at offset %d", ErrBadHeader, res.ValidBytes)
			}
			res.Headers = append(res.Headers, h)
		} else {
			if len(res.Headers) == 0 {
				return res, ErrBadHeader
			}
			var lr logRecord
			if err := decMode.Unmarshal(body, &lr); err != nil {
				return res, fmt.Errorf("decode record %d: %w", seq, err)
			}
			rec, err := lr.toRecord()
			if err != nil {
				return res, fmt.Errorf("decode record %d: %w", seq, err)
			}
			if fn != nil {
				if err := fn(rec); err != nil {
					return res, err
				}
			}
			res.Records++
		}
		res.ValidBytes += int64(frameHeaderLen) + int64(length)
	}
}

// scanValidLength returns how much of f holds complete frames. Checksum and
// decode failures are reported; a torn tail is not.
func scanValidLength(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Size() == 0 {
		return 0, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	res, err := ScanLog(f, nil)
	if err != nil {
		return 0, fmt.Errorf("scan record log: %w", err)
	}
	return res.ValidBytes, nil
}

var _ ports.RecordSink = (*LogSink)(nil)
