package persistence

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/petrijr/conductor/pkg/api"
)

// EncodeEvent serializes a history event for storage as an opaque blob.
func EncodeEvent(ev api.HistoryEvent) ([]byte, error) {
	b, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return b, nil
}

// DecodeEvent is the inverse of EncodeEvent. Timestamps are returned in UTC.
func DecodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode history event: %w", err)
	}
	ev.Timestamp = utc(ev.Timestamp)
	ev.FireAt = utc(ev.FireAt)
	return ev, nil
}

// EncodeFailure serializes an optional failure; nil encodes to nil.
func EncodeFailure(f *api.ErrorInfo) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return msgpack.Marshal(f)
}

// DecodeFailure is the inverse of EncodeFailure.
func DecodeFailure(data []byte) (*api.ErrorInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f api.ErrorInfo
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode failure: %w", err)
	}
	return &f, nil
}

// EncodeBuffered serializes buffered events; an empty buffer encodes to nil.
func EncodeBuffered(buf map[string][]byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(buf)
}

// DecodeBuffered is the inverse of EncodeBuffered.
func DecodeBuffered(data []byte) (map[string][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf map[string][]byte
	if err := msgpack.Unmarshal(data, &buf); err != nil {
		return nil, fmt.Errorf("decode buffered events: %w", err)
	}
	return buf, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
