package session

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return NewRegistry(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}, slog.Default())
}

func TestRegistry_RegisterDistinctTokens(t *testing.T) {
	r := newTestRegistry()

	type entry struct {
		token  Token
		callID string
		dest   string
		out    bool
	}
	entries := []entry{
		{token: NewToken(), callID: "abc"},
		{token: NewToken(), dest: "alice", out: true},
		{token: NewToken(), callID: ""},
		{token: NewToken(), dest: "bob", out: true},
	}

	for i, e := range entries {
		var err error
		if e.out {
			err = r.RegisterOutgoing(e.token, e.dest, i%2 == 0)
		} else {
			err = r.RegisterIncoming(e.token, e.callID)
		}
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}

		for j := 0; j <= i; j++ {
			rec, ok := r.Lookup(entries[j].token)
			if !ok {
				t.Fatalf("after insert %d: token %d missing", i, j)
			}
			if rec.Token != entries[j].token {
				t.Errorf("record token = %s, want %s", rec.Token, entries[j].token)
			}
			if entries[j].out {
				if rec.Direction != DirectionOutgoing || rec.Destination != entries[j].dest {
					t.Errorf("record %d = %+v, want outgoing to %q", j, rec, entries[j].dest)
				}
			} else if rec.Direction != DirectionIncoming || rec.CallID() != entries[j].callID {
				t.Errorf("record %d = %+v, want incoming with call id %q", j, rec, entries[j].callID)
			}
			if rec.IsBound() {
				t.Errorf("record %d should start unbound", j)
			}
		}
		if r.Len() != i+1 {
			t.Errorf("Len = %d, want %d", r.Len(), i+1)
		}
	}
}

func TestRegistry_RegisterIncomingIdempotent(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()

	if err := r.RegisterIncoming(tok, "abc"); err != nil {
		t.Fatal(err)
	}
	first, _ := r.Lookup(tok)

	if err := r.RegisterIncoming(tok, "abc"); err != nil {
		t.Fatalf("second register: %v", err)
	}
	second, _ := r.Lookup(tok)

	if first != second {
		t.Errorf("record changed: %+v -> %+v", first, second)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	gotTok, _, ok := r.LookupByCallID("abc")
	if !ok || gotTok != tok {
		t.Errorf("LookupByCallID = %s, %v; want %s, true", gotTok, ok, tok)
	}
}

func TestRegistry_RegisterDirectionConflict(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()
	if err := r.RegisterOutgoing(tok, "alice", false); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterIncoming(tok, "abc"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegistry_CallIDMappedOnce(t *testing.T) {
	r := newTestRegistry()
	t1, t2 := NewToken(), NewToken()

	if err := r.RegisterIncoming(t1, "abc"); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterIncoming(t2, "abc"); !errors.Is(err, ErrCallIDInUse) {
		t.Errorf("RegisterIncoming err = %v, want ErrCallIDInUse", err)
	}
	if _, ok := r.Lookup(t2); ok {
		t.Error("rejected registration should not insert a record")
	}

	if err := r.RegisterOutgoing(t2, "bob", false); err != nil {
		t.Fatal(err)
	}
	if err := r.BindCallID(t2, "abc"); !errors.Is(err, ErrCallIDInUse) {
		t.Errorf("BindCallID err = %v, want ErrCallIDInUse", err)
	}
}

func TestRegistry_BindMonotonic(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()
	if err := r.RegisterOutgoing(tok, "alice", true); err != nil {
		t.Fatal(err)
	}

	if err := r.BindCallID(tok, "xyz"); err != nil {
		t.Fatalf("BindCallID: %v", err)
	}
	if err := r.BindCallID(tok, "xyz"); err != nil {
		t.Errorf("repeat BindCallID: %v", err)
	}
	if err := r.BindCallID(tok, "other"); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("rebind err = %v, want ErrAlreadyBound", err)
	}

	for i := 0; i < 3; i++ {
		_ = r.MarkConnected(tok)
		rec, ok := r.Lookup(tok)
		if !ok || rec.CallID() != "xyz" || !rec.IsBound() {
			t.Fatalf("read %d: record = %+v, want bound to xyz", i, rec)
		}
	}

	if _, ok := r.Remove(tok); !ok {
		t.Fatal("Remove returned false")
	}
	if err := r.BindCallID(tok, "xyz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bind after remove err = %v, want ErrNotFound", err)
	}
	if _, _, ok := r.LookupByCallID("xyz"); ok {
		t.Error("call id index should be cleared on remove")
	}
}

func TestRegistry_BindCorrectsExpectedCallID(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()
	if err := r.RegisterIncoming(tok, "announced"); err != nil {
		t.Fatal(err)
	}
	if err := r.BindCallID(tok, "actual"); err != nil {
		t.Fatalf("BindCallID: %v", err)
	}
	if _, _, ok := r.LookupByCallID("announced"); ok {
		t.Error("stale expected call id still indexed")
	}
	if got, _, ok := r.LookupByCallID("actual"); !ok || got != tok {
		t.Errorf("LookupByCallID(actual) = %s, %v", got, ok)
	}
}

func TestRegistry_BindEmptyCallID(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()
	_ = r.RegisterOutgoing(tok, "alice", false)
	if err := r.BindCallID(tok, ""); !errors.Is(err, ErrEmptyCallID) {
		t.Errorf("err = %v, want ErrEmptyCallID", err)
	}
}

func TestRegistry_RemoveAtMostOnce(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()
	_ = r.RegisterIncoming(tok, "abc")

	rec, ok := r.Remove(tok)
	if !ok {
		t.Fatal("first Remove returned false")
	}
	if rec.Token != tok || rec.CallID() != "abc" {
		t.Errorf("removed record = %+v", rec)
	}
	if _, ok := r.Remove(tok); ok {
		t.Error("second Remove returned true")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_ProgressFlags(t *testing.T) {
	tests := []struct {
		name    string
		apply   func(*Registry, Token) error
		wantErr error
		want    Progress
	}{
		{
			name: "accepted twice",
			apply: func(r *Registry, tok Token) error {
				_ = r.MarkAccepted(tok)
				return r.MarkAccepted(tok)
			},
			want: Progress{Accepted: true},
		},
		{
			name: "declined keeps first reason",
			apply: func(r *Registry, tok Token) error {
				_ = r.MarkDeclined(tok, DeclineBusy)
				return r.MarkDeclined(tok, DeclineUnknown)
			},
			want: Progress{Declined: true, DeclineReason: DeclineBusy},
		},
		{
			name: "connected then declined",
			apply: func(r *Registry, tok Token) error {
				_ = r.MarkConnected(tok)
				return r.MarkDeclined(tok, DeclineBusy)
			},
			wantErr: ErrConflictingOutcome,
			want:    Progress{Connected: true},
		},
		{
			name: "declined then connected",
			apply: func(r *Registry, tok Token) error {
				_ = r.MarkDeclined(tok, DeclineUnknown)
				return r.MarkConnected(tok)
			},
			wantErr: ErrConflictingOutcome,
			want:    Progress{Declined: true, DeclineReason: DeclineUnknown},
		},
		{
			name: "accepted then connected",
			apply: func(r *Registry, tok Token) error {
				_ = r.MarkAccepted(tok)
				return r.MarkConnected(tok)
			},
			want: Progress{Accepted: true, Connected: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			tok := NewToken()
			_ = r.RegisterIncoming(tok, "")

			err := tt.apply(r, tok)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			rec, _ := r.Lookup(tok)
			if rec.Progress != tt.want {
				t.Errorf("Progress = %+v, want %+v", rec.Progress, tt.want)
			}
		})
	}
}

func TestRegistry_UnknownToken(t *testing.T) {
	r := newTestRegistry()
	tok := NewToken()

	for name, err := range map[string]error{
		"bind":      r.BindCallID(tok, "abc"),
		"accepted":  r.MarkAccepted(tok),
		"declined":  r.MarkDeclined(tok, DeclineBusy),
		"connected": r.MarkConnected(tok),
	} {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestRegistry_SnapshotAndCounts(t *testing.T) {
	r := newTestRegistry()
	t1, t2, t3 := NewToken(), NewToken(), NewToken()
	_ = r.RegisterIncoming(t1, "a")
	_ = r.RegisterOutgoing(t2, "bob", false)
	_ = r.RegisterIncoming(t3, "c")
	_ = r.BindCallID(t3, "c")

	if got := r.UnboundCount(); got != 2 {
		t.Errorf("UnboundCount = %d, want 2", got)
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(Snapshot) = %d, want 3", len(snap))
	}
	want := []Token{t1, t2, t3}
	for i, rec := range snap {
		if rec.Token != want[i] {
			t.Errorf("Snapshot[%d] = %s, want %s", i, rec.Token, want[i])
		}
	}
}

func TestRecord_State(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{Binding: Unbound{}}, "unbound"},
		{Record{Binding: Bound{CallID: "x"}}, "bound"},
		{Record{Binding: Bound{CallID: "x"}, Progress: Progress{Accepted: true}}, "accepted"},
		{Record{Binding: Bound{CallID: "x"}, Progress: Progress{Connected: true}}, "connected"},
		{Record{Binding: Unbound{}, Progress: Progress{Declined: true}}, "declined"},
	}
	for _, tt := range tests {
		if got := tt.rec.State(); got != tt.want {
			t.Errorf("State(%+v) = %q, want %q", tt.rec, got, tt.want)
		}
	}
}
