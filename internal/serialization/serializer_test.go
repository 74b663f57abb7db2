package serialization

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONRoundTrip(t *testing.T) {
	s := NewJSONSerializer()
	data, err := s.Marshal(&sample{Name: "a", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != byte(FormatJSON) {
		t.Fatalf("format prefix = %#x", data[0])
	}
	var out sample
	if err := s.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "a" || out.Count != 3 {
		t.Fatalf("round trip = %+v", out)
	}
}

func TestDetectFormat(t *testing.T) {
	s := NewJSONSerializer()
	data, _ := s.Marshal(map[string]int{"x": 1})
	format, payload, err := s.DetectFormat(data)
	if err != nil || format != FormatJSON {
		t.Fatalf("detect: %v %v", format, err)
	}
	if !bytes.HasPrefix(payload, []byte("{")) {
		t.Fatalf("payload = %q", payload)
	}
}

func TestBareJSONTolerated(t *testing.T) {
	// producers outside this module may skip the prefix byte
	s := NewJSONSerializer()
	var out sample
	if err := s.Unmarshal([]byte(`{"name":"bare","count":1}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "bare" {
		t.Fatalf("bare decode = %+v", out)
	}
}

func TestUnknownFormatRejected(t *testing.T) {
	s := NewJSONSerializer()
	var out sample
	if err := s.Unmarshal([]byte{0x7f, 0x01, 0x02}, &out); err == nil {
		t.Fatal("unknown prefix accepted")
	}
}

func TestGetFormat(t *testing.T) {
	s := NewProtobufSerializer()
	jsonData, _ := NewJSONSerializer().Marshal(map[string]int{"x": 1})
	if f, err := s.GetFormat(jsonData); err != nil || f != FormatJSON {
		t.Fatalf("GetFormat = %v %v", f, err)
	}
	if !s.IsJSON(jsonData) || s.IsProtobuf(jsonData) {
		t.Fatal("format predicates disagree")
	}
}
