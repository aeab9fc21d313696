package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"replog/internal/replog"
)

// Payloads of at least this size are stored snappy compressed.
const compressThreshold = 1024

const flagSnappy uint64 = 1 << 0

// Entry record fields.
const (
	entryFieldIndex    protowire.Number = 1
	entryFieldTerm     protowire.Number = 2
	entryFieldPayload  protowire.Number = 3
	entryFieldFlags    protowire.Number = 4
	entryFieldChecksum protowire.Number = 5
)

// Metadata record fields.
const (
	metaFieldLogID        protowire.Number = 1
	metaFieldObjectID     protowire.Number = 2
	metaFieldDataSourceID protowire.Number = 3
	metaFieldTerm         protowire.Number = 4
	metaFieldRole         protowire.Number = 5
	metaFieldLeader       protowire.Number = 6
)

// Prefix record fields.
const (
	prefixFieldTerm  protowire.Number = 1
	prefixFieldIndex protowire.Number = 2
)

// entryKey is (logID, index), both big endian so a cursor walks a log in index order.
func entryKey(logID replog.LogID, idx replog.LogIndex) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(logID))
	binary.BigEndian.PutUint64(k[8:], uint64(idx))
	return k
}

func parseEntryKey(k []byte) (replog.LogID, replog.LogIndex, bool) {
	if len(k) != 16 {
		return 0, 0, false
	}
	return replog.LogID(binary.BigEndian.Uint64(k[:8])), replog.LogIndex(binary.BigEndian.Uint64(k[8:])), true
}

func logKey(logID replog.LogID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(logID))
	return k
}

func encodeEntry(e replog.LogEntry) []byte {
	payload := e.Payload.View()
	var flags uint64
	stored := payload
	if len(payload) >= compressThreshold {
		stored = snappy.Encode(nil, payload)
		flags |= flagSnappy
	}

	b := make([]byte, 0, len(stored)+32)
	b = protowire.AppendTag(b, entryFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Index))
	b = protowire.AppendTag(b, entryFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Term))
	if len(stored) > 0 {
		b = protowire.AppendTag(b, entryFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, stored)
	}
	if flags != 0 {
		b = protowire.AppendTag(b, entryFieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}
	b = protowire.AppendTag(b, entryFieldChecksum, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, xxhash.Sum64(payload))
	return b
}

func decodeEntry(b []byte) (replog.LogEntry, error) {
	var (
		e           replog.LogEntry
		stored      []byte
		flags       uint64
		checksum    uint64
		hasChecksum bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: %v", replog.ErrCorruptEntry, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == entryFieldIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: index: %v", replog.ErrCorruptEntry, protowire.ParseError(n))
			}
			e.Index, b = replog.LogIndex(v), b[n:]
		case num == entryFieldTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: term: %v", replog.ErrCorruptEntry, protowire.ParseError(n))
			}
			e.Term, b = replog.LogTerm(v), b[n:]
		case num == entryFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("%w: payload: %v", replog.ErrCorruptEntry, protowire.ParseError(n))
			}
			stored, b = v, b[n:]
		case num == entryFieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: flags: %v", replog.ErrCorruptEntry, protowire.ParseError(n))
			}
			flags, b = v, b[n:]
		case num == entryFieldChecksum && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return e, fmt.Errorf("%w: checksum: %v", replog.ErrCorruptEntry, protowire.ParseError(n))
			}
			checksum, hasChecksum, b = v, true, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("%w: field %d: %v", replog.ErrCorruptEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	payload := stored
	if flags&flagSnappy != 0 {
		var err error
		if payload, err = snappy.Decode(nil, stored); err != nil {
			return e, fmt.Errorf("%w: decompress index %d: %v", replog.ErrCorruptEntry, e.Index, err)
		}
	}
	if !hasChecksum || xxhash.Sum64(payload) != checksum {
		return e, fmt.Errorf("%w: checksum mismatch at index %d", replog.ErrCorruptEntry, e.Index)
	}
	// bbolt memory is only valid inside the transaction, NewPayload copies.
	e.Payload = replog.NewPayload(payload)
	return e, nil
}

func encodeMetadata(info PersistedStateInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, metaFieldLogID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.LogID))
	b = protowire.AppendTag(b, metaFieldObjectID, protowire.VarintType)
	b = protowire.AppendVarint(b, info.ObjectID)
	if info.DataSourceID != "" {
		b = protowire.AppendTag(b, metaFieldDataSourceID, protowire.BytesType)
		b = protowire.AppendString(b, info.DataSourceID)
	}
	b = protowire.AppendTag(b, metaFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.State.Term))
	b = protowire.AppendTag(b, metaFieldRole, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.State.Role))
	if info.State.Leader != "" {
		b = protowire.AppendTag(b, metaFieldLeader, protowire.BytesType)
		b = protowire.AppendString(b, string(info.State.Leader))
	}
	return b
}

func decodeMetadata(b []byte) (PersistedStateInfo, error) {
	var info PersistedStateInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return info, fmt.Errorf("decode metadata: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, fmt.Errorf("decode metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case metaFieldLogID:
				info.LogID = replog.LogID(v)
			case metaFieldObjectID:
				info.ObjectID = v
			case metaFieldTerm:
				info.State.Term = replog.LogTerm(v)
			case metaFieldRole:
				info.State.Role = replog.Role(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return info, fmt.Errorf("decode metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case metaFieldDataSourceID:
				info.DataSourceID = v
			case metaFieldLeader:
				info.State.Leader = replog.ParticipantID(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return info, fmt.Errorf("decode metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return info, nil
}

func encodePrefix(p replog.TermIndexPair) []byte {
	var b []byte
	b = protowire.AppendTag(b, prefixFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Term))
	b = protowire.AppendTag(b, prefixFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Index))
	return b
}

func decodePrefix(b []byte) (replog.TermIndexPair, error) {
	var p replog.TermIndexPair
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("decode prefix: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("decode prefix: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return p, fmt.Errorf("decode prefix: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case prefixFieldTerm:
			p.Term = replog.LogTerm(v)
		case prefixFieldIndex:
			p.Index = replog.LogIndex(v)
		}
	}
	return p, nil
}
