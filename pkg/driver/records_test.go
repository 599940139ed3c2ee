package driver

import (
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
)

func TestTypeConversionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *TypeConversionError
		expected string
	}{
		{
			name:     "with field",
			err:      &TypeConversionError{Expected: "string", Actual: "int64", Field: "payload"},
			expected: `type conversion error for field "payload": expected string, got int64`,
		},
		{
			name:     "without field",
			err:      &TypeConversionError{Expected: "[]*db.Record", Actual: "nil"},
			expected: "type conversion error: expected []*db.Record, got nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAsString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  any
		want   string
		wantOK bool
	}{
		{"valid string", "hello", "hello", true},
		{"empty string", "", "", true},
		{"nil", nil, "", false},
		{"int", 42, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := AsString(tt.input)
			if ok != tt.wantOK {
				t.Errorf("AsString() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("AsString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsInt64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  any
		want   int64
		wantOK bool
	}{
		{"valid int64", int64(42), 42, true},
		{"nil", nil, 0, false},
		{"int (wrong type)", 42, 0, false},
		{"string", "42", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := AsInt64(tt.input)
			if ok != tt.wantOK {
				t.Errorf("AsInt64() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("AsInt64() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMustRecordSlice(t *testing.T) {
	t.Parallel()

	if _, err := MustRecordSlice("nope", "records"); err == nil {
		t.Error("MustRecordSlice() expected error for string input")
	}
	recs, err := MustRecordSlice([]*db.Record{}, "records")
	if err != nil || len(recs) != 0 {
		t.Errorf("MustRecordSlice() = %v, %v", recs, err)
	}
}

func TestPayloadColumn(t *testing.T) {
	t.Parallel()

	records := []*db.Record{
		{Keys: []string{"payload"}, Values: []any{`{"id":"a"}`}},
		{Keys: []string{"payload"}, Values: []any{nil}},
		{Keys: []string{"other"}, Values: []any{"x"}},
	}
	got, err := payloadColumn(records)
	if err != nil {
		t.Fatalf("payloadColumn() error = %v", err)
	}
	if len(got) != 1 || got[0] != `{"id":"a"}` {
		t.Errorf("payloadColumn() = %v", got)
	}

	_, err = payloadColumn([]*db.Record{{Keys: []string{"payload"}, Values: []any{int64(1)}}})
	if err == nil {
		t.Error("payloadColumn() expected error for non-string payload")
	}
}
