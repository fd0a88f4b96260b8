package domain

import (
	"encoding/json"
	"testing"
)

func TestOptionalDistinguishesAbsentFromNull(t *testing.T) {
	var body struct {
		ErrorMessage Optional[string] `json:"errorMessage"`
		Nickname     Optional[string] `json:"nickname"`
		Count        Optional[int]    `json:"lastSyncTransactionCount"`
	}

	if err := json.Unmarshal([]byte(`{"errorMessage":null,"lastSyncTransactionCount":12}`), &body); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if !body.ErrorMessage.Set || body.ErrorMessage.Value != nil {
		t.Fatalf("expected errorMessage set to null, got %+v", body.ErrorMessage)
	}
	if body.Nickname.Set {
		t.Fatalf("expected nickname to be absent")
	}
	if !body.Count.Set || body.Count.Value == nil || *body.Count.Value != 12 {
		t.Fatalf("expected count 12, got %+v", body.Count)
	}
}

func TestBankPatchMarksConnected(t *testing.T) {
	tests := []struct {
		name  string
		patch BankPatch
		want  bool
	}{
		{name: "no status", patch: BankPatch{}, want: false},
		{name: "connected", patch: BankPatch{Status: Some("connected")}, want: true},
		{name: "error", patch: BankPatch{Status: Some("error")}, want: false},
		{name: "null status", patch: BankPatch{Status: Null[string]()}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.patch.MarksConnected(); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestConnectedBankJSONOmitsAccessToken(t *testing.T) {
	bank := ConnectedBank{InstitutionID: "ins_1", AccessToken: "access-sandbox-secret", AccountIDs: []string{}}
	raw, err := json.Marshal(bank)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := fields["accessToken"]; ok {
		t.Fatalf("expected accessToken to be omitted, got %s", raw)
	}
	if _, ok := fields["AccessToken"]; ok {
		t.Fatalf("expected AccessToken to be omitted, got %s", raw)
	}
}
