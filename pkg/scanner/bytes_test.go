package scanner

import "testing"

func TestScanStringField(t *testing.T) {
	testCases := []struct {
		desc    string
		payload string
		key     string
		want    string
		ok      bool
	}{
		{"plain", `{"ev":"T","sym":"AAPL"}`, `"sym"`, "AAPL", true},
		{"spaced", `{ "ev" : "Q" }`, `"ev"`, "Q", true},
		{"missing", `{"ev":"T"}`, `"sym"`, "", false},
		{"not a string", `{"p":12.5}`, `"p"`, "", false},
		{"unterminated", `{"sym":"AAP`, `"sym"`, "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, ok := ScanStringField([]byte(tc.payload), []byte(tc.key))
			if ok != tc.ok {
				t.Fatalf("ok mismatch: got %v want %v", ok, tc.ok)
			}
			if ok && string(got) != tc.want {
				t.Fatalf("value mismatch: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestScanUintField(t *testing.T) {
	payload := []byte(`{"ev":"Ms","im": 500,"t":1700000000123}`)

	v, ok := ScanUintField(payload, []byte(`"im"`))
	if !ok || v != 500 {
		t.Fatalf("im mismatch: got %d ok=%v", v, ok)
	}
	v, ok = ScanUintField(payload, []byte(`"t"`))
	if !ok || v != 1700000000123 {
		t.Fatalf("t mismatch: got %d ok=%v", v, ok)
	}
	if _, ok := ScanUintField(payload, []byte(`"missing"`)); ok {
		t.Fatal("missing key should not scan")
	}
	if _, ok := ScanUintField([]byte(`{"im":-5}`), []byte(`"im"`)); ok {
		t.Fatal("negative value should not scan as uint")
	}
}

func TestSplitArrayObjects(t *testing.T) {
	testCases := []struct {
		desc    string
		payload string
		want    []string
	}{
		{
			"two objects",
			`[{"ev":"T","sym":"AAPL"},{"ev":"Q","sym":"MSFT"}]`,
			[]string{`{"ev":"T","sym":"AAPL"}`, `{"ev":"Q","sym":"MSFT"}`},
		},
		{
			"single object",
			`[{"ev":"T"}]`,
			[]string{`{"ev":"T"}`},
		},
		{
			"nested brackets and commas in strings",
			`[{"sym":"A,B","q":[1,2]},{"sym":"C}"}]`,
			[]string{`{"sym":"A,B","q":[1,2]}`, `{"sym":"C}"}`},
		},
		{
			"leading whitespace",
			"\n  [ {\"ev\":\"T\"} , {\"ev\":\"Q\"} ]",
			[]string{`{"ev":"T"}`, `{"ev":"Q"}`},
		},
		{"empty array", `[]`, nil},
		{"not an array", `{"ev":"T"}`, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := SplitArrayObjects([]byte(tc.payload), nil)
			if len(got) != len(tc.want) {
				t.Fatalf("element count mismatch: got %d want %d", len(got), len(tc.want))
			}
			for i := range got {
				if string(got[i]) != tc.want[i] {
					t.Fatalf("element %d mismatch: got %q want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}
