package model

import (
	"testing"
	"time"
)

func TestPropertiesCaseInsensitiveLookup(t *testing.T) {
	var p Properties
	p.Set("Usr", "admin")
	p.Set("Context", "Form.Open")

	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{"Usr", "admin", true},
		{"usr", "admin", true},
		{"USR", "admin", true},
		{"context", "Form.Open", true},
		{"Txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := p.Get(tt.key)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Get(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPropertiesLastWriteWins(t *testing.T) {
	var p Properties
	p.Set("Usr", "first")
	p.Set("Sql", "select 1")
	p.Set("usr", "second")

	if p.Len() != 2 {
		t.Fatalf("expected 2 properties, got %d", p.Len())
	}
	all := p.All()
	if all[0].Key != "Usr" || all[0].Value != "second" {
		t.Errorf("expected Usr=second at position 0, got %+v", all[0])
	}
	if all[1].Key != "Sql" {
		t.Errorf("expected insertion order preserved, got %+v", all)
	}
}

func TestNewRecordPanicsWithoutEvent(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty event")
		}
	}()
	NewRecord(time.Now(), "", "raw")
}

func TestRecordLessTieBreak(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	a := Record{Timestamp: ts, SourceFile: "a.log", Offset: 100}
	b := Record{Timestamp: ts, SourceFile: "b.log", Offset: 0}
	c := Record{Timestamp: ts, SourceFile: "a.log", Offset: 200}

	if !a.Less(&b) {
		t.Error("expected a < b by source file")
	}
	if !a.Less(&c) {
		t.Error("expected a < c by offset")
	}
	if c.Less(&a) {
		t.Error("expected c not < a")
	}
}
