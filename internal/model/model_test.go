package model

import (
	"errors"
	"testing"
)

func TestSettingsKey(t *testing.T) {
	if _, err := (Settings{}).Key(); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	empty := Settings{APIKey: func() string { return "" }}
	if _, err := empty.Key(); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential for empty key, got %v", err)
	}
	set := Settings{APIKey: func() string { return "sk-1" }}
	key, err := set.Key()
	if err != nil || key != "sk-1" {
		t.Fatalf("got key=%q err=%v", key, err)
	}
}
