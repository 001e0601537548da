package payment

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParsePayload_ExactScheme(t *testing.T) {
	raw := json.RawMessage(`{
		"scheme": "exact",
		"network": "base",
		"exact": {
			"signature": "0xabc",
			"authorization": {
				"from": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
				"to": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
				"value": "1990000",
				"validAfter": "0",
				"validBefore": "1700000600",
				"nonce": "0x` + strings.Repeat("ab", 32) + `"
			}
		}
	}`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if p.Scheme != SchemeExact || p.Exact == nil {
		t.Fatalf("parsed payload = %+v", p)
	}
}

func TestParsePayload_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `{`},
		{"unknown scheme", `{"scheme":"barter"}`},
		{"exact without payload", `{"scheme":"exact"}`},
		{"exact without signature", `{"scheme":"exact","exact":{"authorization":{"from":"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266","to":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","value":"1","validBefore":"2","nonce":"0x00"}}}`},
		{"exact malformed address", `{"scheme":"exact","exact":{"signature":"0xabc","authorization":{"from":"bob","to":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","value":"1","validBefore":"2","nonce":"0x00"}}}`},
		{"onchain without payload", `{"scheme":"onchain"}`},
		{"onchain without tx", `{"scheme":"onchain","onchain":{"payer":"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}}`},
		{"onchain malformed payer", `{"scheme":"onchain","onchain":{"txHash":"0x11","payer":"alice"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePayload(json.RawMessage(tc.raw)); err == nil {
				t.Fatalf("ParsePayload accepted %s", tc.name)
			}
		})
	}
}
