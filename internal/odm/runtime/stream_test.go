package runtime

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestStreamDocuments(t *testing.T) {
	rows := newSliceRows(
		[]any{"a1", []byte(`{"_id":"a1"}`)},
		[]any{"a2", []byte(`{"_id":"a2"}`)},
	)
	docs, err := Collect(NewStream[Document](rows, ScanDocument))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a1" || docs[1].ID != "a2" {
		t.Fatalf("unexpected documents: %#v", docs)
	}
	if string(docs[1].Body) != `{"_id":"a2"}` {
		t.Fatalf("unexpected body %s", docs[1].Body)
	}
	if !rows.closed {
		t.Fatalf("expected rows to be closed after collect")
	}
}

func TestStreamScanError(t *testing.T) {
	rows := newSliceRows([]any{"a1", []byte(`{}`)})
	stream := NewStream[Document](rows, func(r pgx.Rows) (Document, error) {
		return Document{}, errors.New("boom")
	})
	if stream.Next() {
		t.Fatalf("expected Next to return false on error")
	}
	if err := stream.Err(); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Collect(stream); err == nil {
		t.Fatalf("expected collect to surface the scan error")
	}
}

func TestCollectNilStream(t *testing.T) {
	docs, err := Collect[Document](nil)
	if err != nil || docs != nil {
		t.Fatalf("expected empty result, got %v err=%v", docs, err)
	}
}

type sliceRows struct {
	data   [][]any
	idx    int
	closed bool
	err    error
}

func newSliceRows(rows ...[]any) *sliceRows {
	return &sliceRows{data: rows}
}

func (r *sliceRows) Close() { r.closed = true }

func (r *sliceRows) Err() error { return r.err }

func (r *sliceRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *sliceRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *sliceRows) Next() bool {
	if r.closed || r.idx >= len(r.data) {
		r.closed = true
		return false
	}
	r.idx++
	return true
}

func (r *sliceRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return errors.New("no row selected")
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return errors.New("destination size mismatch")
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			val, ok := row[i].(string)
			if !ok {
				return errors.New("unexpected type")
			}
			*ptr = val
		case *[]byte:
			val, ok := row[i].([]byte)
			if !ok {
				return errors.New("unexpected type")
			}
			*ptr = append([]byte(nil), val...)
		default:
			return errors.New("unsupported destination type")
		}
	}
	return nil
}

func (r *sliceRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.data) {
		return nil, errors.New("no row selected")
	}
	row := r.data[r.idx-1]
	out := make([]any, len(row))
	copy(out, row)
	return out, nil
}

func (r *sliceRows) RawValues() [][]byte { return nil }

func (r *sliceRows) Conn() *pgx.Conn { return nil }
