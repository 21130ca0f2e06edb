package tuya

import (
	"testing"
	"time"
)

func TestControlPayload(t *testing.T) {
	at := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		dp   int
		on   bool
		want string
	}{
		{"switch on", 20, true, `{"devId":"bf01","uid":"bf01","t":"1700000000","dps":{"20":true}}`},
		{"switch off", 20, false, `{"devId":"bf01","uid":"bf01","t":"1700000000","dps":{"20":false}}`},
		{"plug point", 1, true, `{"devId":"bf01","uid":"bf01","t":"1700000000","dps":{"1":true}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ControlPayload("bf01", tt.dp, tt.on, at)
			if err != nil {
				t.Fatalf("ControlPayload error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ControlPayload = %s, want %s", got, tt.want)
			}
		})
	}

	for _, dp := range []int{0, -1} {
		if _, err := ControlPayload("bf01", dp, true, at); err == nil {
			t.Errorf("ControlPayload(dp=%d) error = nil, want invalid point error", dp)
		}
	}
}

func TestQueryPayload(t *testing.T) {
	got, err := QueryPayload("bf01", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("QueryPayload error = %v", err)
	}
	want := `{"devId":"bf01","uid":"bf01","t":"1700000000"}`
	if string(got) != want {
		t.Errorf("QueryPayload = %s, want %s", got, want)
	}
}

func TestParseDps(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		dp        int
		wantValue bool
		wantOk    bool
	}{
		{"point on", `{"devId":"bf01","dps":{"20":true}}`, 20, true, true},
		{"point off", `{"dps":{"20":false}}`, 20, false, true},
		{"among other points", `{"dps":{"20":true,"22":1000,"24":"010403200302"}}`, 20, true, true},
		{"point absent", `{"dps":{"1":true}}`, 20, false, false},
		{"point not boolean", `{"dps":{"20":128}}`, 20, false, false},
		{"no dps object", `{"devId":"bf01"}`, 20, false, false},
		{"malformed json", `{"dps":`, 20, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, ok := ParseDps([]byte(tt.payload), tt.dp)
			if value != tt.wantValue || ok != tt.wantOk {
				t.Errorf("ParseDps(%s, %d) = (%v, %v), want (%v, %v)",
					tt.payload, tt.dp, value, ok, tt.wantValue, tt.wantOk)
			}
		})
	}
}

func TestParseBeacon(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Beacon
		wantErr bool
	}{
		{
			"full v33 beacon",
			`{"ip":"192.168.1.42","gwId":"abc123","active":2,"ablilty":0,"encrypt":true,"productKey":"keyXYZ","version":"3.3"}`,
			Beacon{GwID: "abc123", ProductKey: "keyXYZ", Version: "3.3", Encrypted: true},
			false,
		},
		{
			"minimal beacon",
			`{"gwId":"abc123","productKey":"keyXYZ"}`,
			Beacon{GwID: "abc123", ProductKey: "keyXYZ"},
			false,
		},
		{
			"plaintext v31 beacon",
			`{"ip":"10.0.0.9","gwId":"old01","productKey":"pkOld","version":"3.1"}`,
			Beacon{GwID: "old01", ProductKey: "pkOld", Version: "3.1"},
			false,
		},
		{"missing gwId", `{"productKey":"keyXYZ"}`, Beacon{}, true},
		{"missing productKey", `{"gwId":"abc123"}`, Beacon{}, true},
		{"not json", `hello`, Beacon{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBeacon([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBeacon(%s) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if *got != tt.want {
				t.Errorf("ParseBeacon(%s) = %+v, want %+v", tt.payload, *got, tt.want)
			}
			if got.IP != "" {
				t.Errorf("ParseBeacon set IP = %q; the datagram source owns that field", got.IP)
			}
		})
	}
}
