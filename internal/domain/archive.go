package domain

import (
	"fmt"
	"time"
)

const ArchiveVersion = 1

type ArchiveDocument struct {
	Version   int                   `json:"version"`
	CreatedAt time.Time             `json:"created_at"`
	BackupID  string                `json:"backup_id"`
	Tables    []string              `json:"tables"`
	Data      map[string]*TableData `json:"data"`
}

type TableData struct {
	Columns []string  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

type TableSnapshot struct {
	Table string
	Data  *TableData
}

// Validate checks that the document is a supported version and carries
// exactly the expected tables.
func (d *ArchiveDocument) Validate(expected []string) error {
	if d.Version != ArchiveVersion {
		return fmt.Errorf("%w: unsupported archive version %d", ErrCorruptArchive, d.Version)
	}
	if len(d.Tables) != len(expected) {
		return fmt.Errorf("%w: archive has %d tables, record lists %d", ErrCorruptArchive, len(d.Tables), len(expected))
	}
	for i, table := range expected {
		if d.Tables[i] != table {
			return fmt.Errorf("%w: table %d is %q, expected %q", ErrCorruptArchive, i, d.Tables[i], table)
		}
		data, ok := d.Data[table]
		if !ok || data == nil {
			return fmt.Errorf("%w: no data for table %q", ErrCorruptArchive, table)
		}
		for r, row := range data.Rows {
			if len(row) != len(data.Columns) {
				return fmt.Errorf("%w: %s row %d has %d values for %d columns",
					ErrCorruptArchive, table, r, len(row), len(data.Columns))
			}
		}
	}
	return nil
}

type ValueKind string

const (
	KindNull ValueKind = "null"
	KindInt  ValueKind = "int"
	KindReal ValueKind = "real"
	KindText ValueKind = "text"
	KindBlob ValueKind = "blob"
	KindTime ValueKind = "time"
)

// Value is one column value tagged with its storage kind so it survives a
// JSON round trip unchanged.
type Value struct {
	Kind ValueKind `json:"k"`
	Int  int64     `json:"i,omitempty"`
	Real float64   `json:"r,omitempty"`
	Text string    `json:"s,omitempty"`
	Blob []byte    `json:"b,omitempty"`
}

func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case int64:
		return Value{Kind: KindInt, Int: x}, nil
	case int:
		return Value{Kind: KindInt, Int: int64(x)}, nil
	case bool:
		if x {
			return Value{Kind: KindInt, Int: 1}, nil
		}
		return Value{Kind: KindInt}, nil
	case float64:
		return Value{Kind: KindReal, Real: x}, nil
	case string:
		return Value{Kind: KindText, Text: x}, nil
	case []byte:
		return Value{Kind: KindBlob, Blob: append([]byte(nil), x...)}, nil
	case time.Time:
		return Value{Kind: KindTime, Text: x.Format(time.RFC3339Nano)}, nil
	default:
		return Value{}, fmt.Errorf("unsupported column value of type %T", v)
	}
}

// Any converts the value back to what the database driver accepts.
func (v Value) Any() (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindInt:
		return v.Int, nil
	case KindReal:
		return v.Real, nil
	case KindText:
		return v.Text, nil
	case KindBlob:
		if v.Blob == nil {
			return []byte{}, nil
		}
		return v.Blob, nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, v.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: bad time value %q", ErrCorruptArchive, v.Text)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %q", ErrCorruptArchive, v.Kind)
	}
}
