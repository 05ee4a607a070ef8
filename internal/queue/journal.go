package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

// Journal file layout:
//
//	header:  magic[4] version[4] created[8]
//	record:  length[4] seq[8] type[1] payloadLen[4] payload crc[4]
//
// Integers are big-endian. The CRC covers seq, type and payload. Replay
// stops at the first short or corrupt record and the file is truncated
// there, so a torn append loses only the record being written.
const (
	journalMagic      = "PQJL"
	journalVersion    = 1
	journalHeaderSize = 16

	recordOverhead = 4 + 8 + 1 + 4 + 4
	maxRecordSize  = 64 << 20
)

type recordType uint8

const (
	recSnapshot recordType = 1
	recEnqueue  recordType = 2
	recRemove   recordType = 3
)

var (
	errBadMagic   = errors.New("queue journal: invalid magic")
	errBadVersion = errors.New("queue journal: unsupported version")
	errBadRecord  = errors.New("queue journal: corrupt record")
)

type enqueuePayload struct {
	Items  []Item `json:"items"`
	NextID int64  `json:"nextId"`
}

type removePayload struct {
	IDs []int64 `json:"ids"`
}

type record struct {
	seq     uint64
	typ     recordType
	payload []byte
}

// journal is an append-only queue log, compacted into a single snapshot
// record after compactAfter appends.
type journal struct {
	path         string
	compactAfter int
	logger       *slog.Logger
	now          func() time.Time

	file    *os.File
	nextSeq uint64
	records int
}

func newJournal(path string, compactAfter int, logger *slog.Logger, now func() time.Time) *journal {
	return &journal{path: path, compactAfter: compactAfter, logger: logger, now: now}
}

func (j *journal) load() (state, error) {
	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		err = fmt.Errorf("open queue journal: %w", err)
		if _, serr := os.Lstat(j.path); serr != nil {
			// Nothing on disk to lose.
			return emptyState(), err
		}
		return j.quarantine(err)
	}
	j.file = file

	info, err := file.Stat()
	if err != nil {
		return j.quarantine(fmt.Errorf("stat queue journal: %w", err))
	}
	if info.Size() == 0 {
		st := emptyState()
		if err := j.compact(&st); err != nil {
			return st, err
		}
		return st, nil
	}

	st, end, records, lastSeq, err := replay(file)
	if errors.Is(err, errBadMagic) || errors.Is(err, errBadVersion) {
		return j.quarantine(err)
	}
	if err != nil {
		return emptyState(), err
	}

	if end < info.Size() {
		j.logger.Warn("queue journal has a damaged tail; truncating to last intact record",
			"dropped_bytes", info.Size()-end,
			"records", records)
		if err := file.Truncate(end); err != nil {
			return st, fmt.Errorf("truncate queue journal: %w", err)
		}
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		return st, fmt.Errorf("seek queue journal: %w", err)
	}
	j.nextSeq = lastSeq + 1
	j.records = records

	if j.records > j.compactAfter {
		st.normalize()
		if err := j.compact(&st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// quarantine moves an unloadable journal aside and starts a fresh one.
func (j *journal) quarantine(cause error) (state, error) {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	if err := moveAside(j.path, j.now(), cause, j.logger); err != nil {
		return emptyState(), err
	}
	st := emptyState()
	return st, j.compact(&st)
}

// replay applies every intact record and returns the offset just past the
// last one.
func replay(r io.ReaderAt) (st state, end int64, records int, lastSeq uint64, err error) {
	header := make([]byte, journalHeaderSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return state{}, 0, 0, 0, errBadMagic
	}
	if string(header[0:4]) != journalMagic {
		return state{}, 0, 0, 0, errBadMagic
	}
	if v := binary.BigEndian.Uint32(header[4:8]); v != journalVersion {
		return state{}, 0, 0, 0, fmt.Errorf("%w: %d", errBadVersion, v)
	}

	st = emptyState()
	offset := int64(journalHeaderSize)
	for {
		rec, n, rerr := readRecord(r, offset)
		if rerr != nil {
			break
		}
		if aerr := apply(&st, rec); aerr != nil {
			break
		}
		offset += n
		records++
		lastSeq = rec.seq
	}
	return st, offset, records, lastSeq, nil
}

func readRecord(r io.ReaderAt, offset int64) (record, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.ReadAt(lenBuf, offset); err != nil {
		return record{}, 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length < recordOverhead || length > maxRecordSize {
		return record{}, 0, errBadRecord
	}

	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return record{}, 0, err
	}

	rec := record{
		seq: binary.BigEndian.Uint64(buf[4:12]),
		typ: recordType(buf[12]),
	}
	payloadLen := binary.BigEndian.Uint32(buf[13:17])
	if int(payloadLen) != int(length)-recordOverhead {
		return record{}, 0, errBadRecord
	}
	rec.payload = buf[17 : 17+payloadLen]
	if binary.BigEndian.Uint32(buf[17+payloadLen:]) != recordCRC(rec) {
		return record{}, 0, errBadRecord
	}
	return rec, int64(length), nil
}

func apply(st *state, rec record) error {
	switch rec.typ {
	case recSnapshot:
		var snap state
		if err := json.Unmarshal(rec.payload, &snap); err != nil {
			return err
		}
		*st = snap
	case recEnqueue:
		var p enqueuePayload
		if err := json.Unmarshal(rec.payload, &p); err != nil {
			return err
		}
		st.Queue = append(st.Queue, p.Items...)
		if p.NextID > st.NextID {
			st.NextID = p.NextID
		}
	case recRemove:
		var p removePayload
		if err := json.Unmarshal(rec.payload, &p); err != nil {
			return err
		}
		drop := make(map[int64]struct{}, len(p.IDs))
		for _, id := range p.IDs {
			drop[id] = struct{}{}
		}
		kept := st.Queue[:0]
		for _, it := range st.Queue {
			if _, ok := drop[it.ID]; !ok {
				kept = append(kept, it)
			}
		}
		st.Queue = kept
	default:
		return fmt.Errorf("%w: unknown type %d", errBadRecord, rec.typ)
	}
	return nil
}

func recordCRC(rec record) uint32 {
	crc := crc32.NewIEEE()
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], rec.seq)
	crc.Write(seqBuf[:])
	crc.Write([]byte{byte(rec.typ)})
	crc.Write(rec.payload)
	return crc.Sum32()
}

func encodeRecord(rec record) []byte {
	size := recordOverhead + len(rec.payload)
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint64(buf[4:12], rec.seq)
	buf[12] = byte(rec.typ)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(rec.payload)))
	copy(buf[17:], rec.payload)
	binary.BigEndian.PutUint32(buf[17+len(rec.payload):], recordCRC(rec))
	return buf
}

func (j *journal) append(st *state, typ recordType, v any) error {
	if j.file == nil {
		return j.compact(st)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	rec := record{seq: j.nextSeq, typ: typ, payload: payload}
	if _, err := j.file.Write(encodeRecord(rec)); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.nextSeq++
	j.records++

	if j.records >= j.compactAfter {
		return j.compact(st)
	}
	return nil
}

func (j *journal) enqueued(st *state, added []Item) error {
	return j.append(st, recEnqueue, enqueuePayload{Items: added, NextID: st.NextID})
}

func (j *journal) removed(st *state, ids []int64) error {
	return j.append(st, recRemove, removePayload{IDs: ids})
}

func (j *journal) sync(st *state) error {
	return j.compact(st)
}

// compact replaces the journal with a header and one snapshot record.
func (j *journal) compact(st *state) error {
	snap := state{Queue: st.Queue, NextID: st.NextID}
	if snap.Queue == nil {
		snap.Queue = []Item{}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode journal snapshot: %w", err)
	}

	var buf bytes.Buffer
	header := make([]byte, journalHeaderSize)
	copy(header[0:4], journalMagic)
	binary.BigEndian.PutUint32(header[4:8], journalVersion)
	binary.BigEndian.PutUint64(header[8:16], uint64(j.now().UnixNano()))
	buf.Write(header)
	buf.Write(encodeRecord(record{seq: 0, typ: recSnapshot, payload: payload}))

	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	if err := atomic.WriteFile(j.path, &buf); err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	j.nextSeq = 1
	j.records = 1
	return nil
}

func (j *journal) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func readJournal(path string) (state, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyState(), nil
	}
	if err != nil {
		return state{}, err
	}
	defer file.Close()

	st, _, _, _, err := replay(file)
	return st, err
}
