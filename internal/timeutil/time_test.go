package timeutil

import (
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestParseInt64Timeutil(t *testing.T) {
	var tt Time
	b := []byte(`1675277158123`)
	err := json.Unmarshal(b, &tt)
	if err != nil {
		t.Fatalf("error while parsing: %+v\n", err)
	}
	if string(b) != strconv.FormatInt(tt.Time().UnixMilli(), 10) {
		t.Fatalf("wanted: %+v, got: %+v\n", string(b), tt.Time().UnixMilli())
	}
}

func TestParseStringTimeutil(t *testing.T) {
	var tt Time
	b := []byte(`"2023-01-01T12:00:00+00:00"`)
	err := json.Unmarshal(b, &tt)
	if err != nil {
		t.Fatalf("error while parsing: %+v\n", err)
	}
	ttf := tt.Time().Format(`"2006-01-02T15:04:05-07:00"`)
	if string(b) != ttf {
		t.Fatalf("wanted: %+v, got: %+v\n", string(b), ttf)
	}
}

func TestMarshalTimeutil(t *testing.T) {
	tt := Time(time.UnixMilli(1675277158123))
	b, err := json.Marshal(tt)
	if err != nil {
		t.Fatalf("error while marshaling: %+v\n", err)
	}
	if string(b) != "1675277158123" {
		t.Fatalf("wanted: 1675277158123, got: %s\n", b)
	}
}
