package launchconfig

import (
	"encoding/json"
	"testing"
)

func TestStripJSONC(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"line comment", "{\"a\":1 // one\n}", "{\"a\":1 \n}"},
		{"block comment", `{"a":/* x */1}`, `{"a":1}`},
		{"comment markers in string", `{"url":"http://x/*y*/"}`, `{"url":"http://x/*y*/"}`},
		{"escaped quote", `{"a":"say \"//hi\""}`, `{"a":"say \"//hi\""}`},
		{"trailing comma object", "{\"a\":1,\n}", "{\"a\":1\n}"},
		{"trailing comma array", `[1,2, ]`, `[1,2 ]`},
		{"comma in string", `{"a":",}"}`, `{"a":",}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONC([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("StripJSONC(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripJSONCDecodes(t *testing.T) {
	in := `{
		/* multi
		   line */
		"configurations": [
			{"name": "x", }, // trailing
		],
	}`
	var v map[string]interface{}
	if err := json.Unmarshal(StripJSONC([]byte(in)), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfgs, ok := v["configurations"].([]interface{}); !ok || len(cfgs) != 1 {
		t.Errorf("configurations = %v", v["configurations"])
	}
}
