package transport

import (
	"strings"
	"testing"
)

func TestVerify(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"kind":"act","msg":{"a":1}}`)
	sig := Sign(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{name: "valid signature", body: body, signature: sig, secret: secret},
		{name: "valid signature - plain hex", body: body, signature: strings.TrimPrefix(sig, "sha256="), secret: secret},
		{name: "wrong signature", body: body, signature: "sha256=" + strings.Repeat("0", 64), secret: secret, wantErr: true},
		{name: "tampered body", body: []byte(`{"kind":"act","msg":{"a":2}}`), signature: sig, secret: secret, wantErr: true},
		{name: "wrong secret", body: body, signature: sig, secret: "other", wantErr: true},
		{name: "empty signature", body: body, signature: "", secret: secret, wantErr: true},
		{name: "empty secret", body: body, signature: sig, secret: "", wantErr: true},
		{name: "malformed hex", body: body, signature: "sha256=not-hex", secret: secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.body, tt.signature, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && err.Error() != errSignature.Error() {
				t.Fatalf("Verify() leaked detail: %v", err)
			}
		})
	}
}

func TestSignFormat(t *testing.T) {
	sig := Sign([]byte("x"), "k")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
}
