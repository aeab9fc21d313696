package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"replog/internal/replog"
)

// codecName is sent as the content subtype, "application/grpc+replog".
const codecName = "replog"

// AppendEntriesRequest fields.
const (
	reqFieldLogID       protowire.Number = 1
	reqFieldLeaderTerm  protowire.Number = 2
	reqFieldLeaderID    protowire.Number = 3
	reqFieldPrevTerm    protowire.Number = 4
	reqFieldPrevIndex   protowire.Number = 5
	reqFieldCommit      protowire.Number = 6
	reqFieldMessageID   protowire.Number = 7
	reqFieldWaitForSync protowire.Number = 8
	reqFieldEntry       protowire.Number = 9
)

// Entry fields, nested in reqFieldEntry.
const (
	entryFieldIndex   protowire.Number = 1
	entryFieldTerm    protowire.Number = 2
	entryFieldPayload protowire.Number = 3
)

// AppendEntriesResult fields.
const (
	resFieldLogTerm       protowire.Number = 1
	resFieldMessageID     protowire.Number = 2
	resFieldReason        protowire.Number = 3
	resFieldConflictIndex protowire.Number = 4
)

// Codec marshals the replication messages with the protobuf wire format. The messages are plain Go structs, so there
// is no generated code and the default proto codec cannot be used.
type Codec struct{}

func (Codec) Name() string { return codecName }

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *replog.AppendEntriesRequest:
		return appendRequest(nil, m), nil
	case *replog.AppendEntriesResult:
		return appendResult(nil, m), nil
	default:
		return nil, fmt.Errorf("replog codec: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *replog.AppendEntriesRequest:
		return consumeRequest(data, m)
	case *replog.AppendEntriesResult:
		return consumeResult(data, m)
	default:
		return fmt.Errorf("replog codec: cannot unmarshal into %T", v)
	}
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendRequest(b []byte, r *replog.AppendEntriesRequest) []byte {
	b = appendVarintField(b, reqFieldLogID, uint64(r.LogID))
	b = appendVarintField(b, reqFieldLeaderTerm, uint64(r.LeaderTerm))
	if r.LeaderID != "" {
		b = protowire.AppendTag(b, reqFieldLeaderID, protowire.BytesType)
		b = protowire.AppendString(b, string(r.LeaderID))
	}
	b = appendVarintField(b, reqFieldPrevTerm, uint64(r.PrevLogEntry.Term))
	b = appendVarintField(b, reqFieldPrevIndex, uint64(r.PrevLogEntry.Index))
	b = appendVarintField(b, reqFieldCommit, uint64(r.LeaderCommit))
	b = appendVarintField(b, reqFieldMessageID, uint64(r.MessageID))
	if r.WaitForSync {
		b = appendVarintField(b, reqFieldWaitForSync, 1)
	}
	for _, e := range r.Entries {
		b = protowire.AppendTag(b, reqFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, e))
	}
	return b
}

func appendEntry(b []byte, e replog.LogEntry) []byte {
	b = appendVarintField(b, entryFieldIndex, uint64(e.Index))
	b = appendVarintField(b, entryFieldTerm, uint64(e.Term))
	if e.Payload.Size() > 0 {
		b = protowire.AppendTag(b, entryFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload.View())
	}
	return b
}

func appendResult(b []byte, r *replog.AppendEntriesResult) []byte {
	b = appendVarintField(b, resFieldLogTerm, uint64(r.LogTerm))
	b = appendVarintField(b, resFieldMessageID, uint64(r.MessageID))
	b = appendVarintField(b, resFieldReason, uint64(r.Reason))
	b = appendVarintField(b, resFieldConflictIndex, uint64(r.ConflictIndex))
	return b
}

// fieldFunc consumes the value of one field and returns the remaining bytes.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error)

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		var err error
		if b, err = fn(num, typ, b[n:]); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

func consumeVarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return b[n:], nil
}

func consumeRequest(data []byte, r *replog.AppendEntriesRequest) error {
	*r = replog.AppendEntriesRequest{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		if num == reqFieldLeaderID && typ == protowire.BytesType {
			v, rest, err := consumeBytes(b)
			r.LeaderID = replog.ParticipantID(v)
			return rest, err
		}
		if num == reqFieldEntry && typ == protowire.BytesType {
			v, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			e, err := consumeEntry(v)
			if err != nil {
				return nil, err
			}
			r.Entries = append(r.Entries, e)
			return rest, nil
		}
		if typ != protowire.VarintType {
			return skipField(num, typ, b)
		}
		v, rest, err := consumeVarint(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case reqFieldLogID:
			r.LogID = replog.LogID(v)
		case reqFieldLeaderTerm:
			r.LeaderTerm = replog.LogTerm(v)
		case reqFieldPrevTerm:
			r.PrevLogEntry.Term = replog.LogTerm(v)
		case reqFieldPrevIndex:
			r.PrevLogEntry.Index = replog.LogIndex(v)
		case reqFieldCommit:
			r.LeaderCommit = replog.LogIndex(v)
		case reqFieldMessageID:
			r.MessageID = replog.MessageID(v)
		case reqFieldWaitForSync:
			r.WaitForSync = v != 0
		}
		return rest, nil
	})
	if err != nil {
		return fmt.Errorf("decode append entries request: %w", err)
	}
	return nil
}

func consumeEntry(data []byte) (replog.LogEntry, error) {
	var e replog.LogEntry
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch {
		case num == entryFieldPayload && typ == protowire.BytesType:
			v, rest, err := consumeBytes(b)
			// The receive buffer may be reused by grpc once Unmarshal returns, NewPayload copies.
			e.Payload = replog.NewPayload(v)
			return rest, err
		case typ == protowire.VarintType:
			v, rest, err := consumeVarint(b)
			switch num {
			case entryFieldIndex:
				e.Index = replog.LogIndex(v)
			case entryFieldTerm:
				e.Term = replog.LogTerm(v)
			}
			return rest, err
		default:
			return skipField(num, typ, b)
		}
	})
	return e, err
}

func consumeResult(data []byte, r *replog.AppendEntriesResult) error {
	*r = replog.AppendEntriesResult{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		if typ != protowire.VarintType {
			return skipField(num, typ, b)
		}
		v, rest, err := consumeVarint(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case resFieldLogTerm:
			r.LogTerm = replog.LogTerm(v)
		case resFieldMessageID:
			r.MessageID = replog.MessageID(v)
		case resFieldReason:
			r.Reason = replog.RejectionReason(v)
		case resFieldConflictIndex:
			r.ConflictIndex = replog.LogIndex(v)
		}
		return rest, nil
	})
	if err != nil {
		return fmt.Errorf("decode append entries result: %w", err)
	}
	return nil
}
