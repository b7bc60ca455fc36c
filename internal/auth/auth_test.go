package auth

import (
	"context"
	"testing"
)

func TestBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "Bearer   padded  ", want: "padded"},
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Bearer(tt.header)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Bearer(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("Bearer(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []Token{
		{Token: "caller", Scopes: []string{"act", " READ "}},
		{Token: "peer", Scopes: []string{"reply"}},
	}

	admin, ok := Authenticate("root", "root", tokens)
	if !ok || !HasScope(admin, ScopeReply) || !HasScope(admin, "anything") {
		t.Fatalf("admin principal = %+v, ok=%v", admin, ok)
	}

	caller, ok := Authenticate("caller", "root", tokens)
	if !ok {
		t.Fatal("caller not authenticated")
	}
	if !HasScope(caller, ScopeAct) || !HasScope(caller, ScopeRead) || HasScope(caller, ScopeReply) {
		t.Fatalf("caller scopes = %v", caller.Scopes)
	}

	if _, ok := Authenticate("nobody", "root", tokens); ok {
		t.Fatal("unknown token authenticated")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token authenticated")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{Token: "x"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "x" {
		t.Fatalf("PrincipalFromContext = %+v, %v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("principal found in empty context")
	}
}

func TestValidScope(t *testing.T) {
	for _, s := range []string{"act", "reply", "read", "*", " Act "} {
		if !ValidScope(s) {
			t.Fatalf("ValidScope(%q) = false", s)
		}
	}
	if ValidScope("admin") {
		t.Fatal("ValidScope(admin) = true")
	}
}
